package dedupe

import (
	"context"
	"fmt"
	"time"
)

const (
	// Window is how long a begun key suppresses repeats.
	Window = 10 * time.Second
	// Grace is how long a key stays suppressed after End.
	Grace = time.Second

	prefixLength = 50
)

// Suppressor gates repeated work for the same key within a time window.
type Suppressor interface {
	// TryBegin reports whether work for key may start. It returns false when
	// key was begun within the window.
	TryBegin(ctx context.Context, key string) bool
	// End releases key after the grace delay.
	End(ctx context.Context, key string)
}

// Key builds the suppression key for a message notification from the two
// participants and the first runes of the content.
func Key(senderId, receiverId int, content string) string {
	runes := []rune(content)
	if len(runes) > prefixLength {
		runes = runes[:prefixLength]
	}
	return fmt.Sprintf("%d-%d-%s", senderId, receiverId, string(runes))
}
