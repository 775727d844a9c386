package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunContexts_WorkOutlivesShutdownSignal(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	signalled, work, stop := runContexts(parent)
	defer stop()

	cancel()
	<-signalled.Done()
	assert.ErrorIs(t, signalled.Err(), context.Canceled)
	assert.NoError(t, work.Err(), "work must keep running while turns drain")

	select {
	case <-work.Done():
		t.Fatal("work context cancelled with the signal context")
	default:
	}
}
