package intake

import (
	"fmt"
	"time"
)

const (
	replyConflict  = "A video is already waiting in this conversation. Send \"开始\" to start it or \"取消\" to cancel it first."
	replyCancelled = "Cancelled."
	replyHelp      = "Send a video link to create a note."
)

func windowHint(window time.Duration) string {
	return fmt.Sprintf("Link received.\nSend \"开始\" to start now, \"取消\" to cancel, or type instructions for the note.\nProcessing starts automatically in %s.", window)
}
