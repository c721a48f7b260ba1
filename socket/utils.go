package socket

import (
	"github.com/google/uuid"
)

// generateID returns an id for connections whose handshake carries none.
func generateID() string {
	return uuid.NewString()
}

func min(x, y int) int {
	if x < y {
		return x
	}
	return y
}
