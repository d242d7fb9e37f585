package domain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBrokerTouch(t *testing.T) {
	MarkBrokerTouched(context.Background())

	ctx, touch := TrackBrokerTouch(context.Background())
	assert.False(t, touch.Touched())
	MarkBrokerTouched(context.WithoutCancel(ctx))
	assert.True(t, touch.Touched())
}
