package protocol

import "time"

// Retry and timing defaults shared by the supervisor and workers.
const (
	// MaxReconnectAttempts bounds inner reconnects within one worker. The
	// counter resets whenever a session becomes ready.
	MaxReconnectAttempts = 5

	// DefaultReconnectDelay is the wait before an inner reconnect and before
	// the supervisor restarts a crashed worker.
	DefaultReconnectDelay = 10 * time.Second

	// DefaultStopGrace is how long the supervisor waits for EXIT after STOP
	// before killing the worker.
	DefaultStopGrace = 5 * time.Second

	// LoginDelay is the wait between a session becoming ready and the
	// automatic login command.
	LoginDelay = 1500 * time.Millisecond

	// ReloginDelay is the wait before answering a login prompt from the server.
	ReloginDelay = 2 * time.Second

	// DefaultTimeZone is used for log file timestamps when none is configured.
	DefaultTimeZone = "Asia/Tashkent"
)

// Size limits on the wire.
const (
	// MaxLineBytes bounds one control line. Longer lines are refused by the
	// Encoder and skipped by the Decoder.
	MaxLineBytes = 1 << 20

	// MaxLogLineBytes bounds the text of one LOG message; workers clip
	// longer lines before reporting them.
	MaxLogLineBytes = 16 << 10

	// MaxFrameBytes is the largest inbound session frame a worker reads.
	MaxFrameBytes = 512 << 10
)

// LoginCommand is the command prefix used to replay the stored credential.
const LoginCommand = "/login"

// LoginPrompts are substrings that, in inbound text, mean the server wants
// the bot to log in again.
var LoginPrompts = []string{"/login", "/register"}

// ChallengeKeywords are substrings that, in inbound text, mean the server is
// asking for a human verification code.
var ChallengeKeywords = []string{"captcha", "kodni tering"}

// LoginText returns the command that logs in with credential.
func LoginText(credential string) string {
	return LoginCommand + " " + credential
}
