package producer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestHeader(t *testing.T) {
	r := &kgo.Record{Headers: []kgo.RecordHeader{
		{Key: "detail-type", Value: []byte("ConnectionRemoved")},
		{Key: "delivery-id", Value: []byte("d1")},
	}}

	assert.Equal(t, "ConnectionRemoved", Header(r, "detail-type"))
	assert.Equal(t, "d1", Header(r, "delivery-id"))
	assert.Empty(t, Header(r, "missing"))
}

func TestProduceNothingIsNoOp(t *testing.T) {
	var p Producer
	assert.NoError(t, p.Produce(context.Background()))
}
