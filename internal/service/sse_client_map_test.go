package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSSEClientMap(t *testing.T) {
	t.Run("success - message fans out to every subscriber of the run", func(t *testing.T) {
		// arrange
		cm := NewSSEClientMap[string]()
		a := cm.AddClient(1, "a")
		b := cm.AddClient(1, "b")
		other := cm.AddClient(2, "c")

		// act
		cm.SendToClients(1, "hello")

		// assert
		assert.Equal(t, "hello", <-a)
		assert.Equal(t, "hello", <-b)
		assert.Len(t, other, 0)
	})

	t.Run("success - removed client channel is closed", func(t *testing.T) {
		// arrange
		cm := NewSSEClientMap[string]()
		ch := cm.AddClient(1, "a")

		// act
		cm.RemoveClient(1, "a")

		// assert
		_, open := <-ch
		assert.False(t, open)
		// sending to a run without subscribers is a no-op
		cm.SendToClients(1, "dropped")
	})

	t.Run("success - a slow client does not block the sender", func(t *testing.T) {
		// arrange
		cm := NewSSEClientMap[string]()
		ch := cm.AddClient(1, "slow")

		// act: overflow the client buffer
		for i := 0; i < 32; i++ {
			cm.SendToClients(1, "line")
		}

		// assert: buffered messages survive, the rest were dropped
		assert.Len(t, ch, 16)
	})
}
