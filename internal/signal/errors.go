package signal

// Error is a closed set of protocol-level failures the core can raise.
// Callers match on Kind rather than parsing message strings.
type Error string

func (e Error) Error() string { return string(e) }

// Kind returns e itself: every Error value already identifies which
// sentinel it is, so Kind gives callers that comparison without
// importing errors.Is for the common case of a switch over sentinels.
func (e Error) Kind() Error { return e }

const (
	// ErrBadPrekeyBundle is raised when a peer's signed prekey signature
	// fails verification during X3DH initiation.
	ErrBadPrekeyBundle Error = "signal: signed prekey signature verification failed"

	// ErrSendingChainNotInitialized is raised when encrypt is called on a
	// responder session that has not yet received a first message.
	ErrSendingChainNotInitialized Error = "signal: sending chain not initialized"

	// ErrTooManySkipped is raised when a header's counter implies more
	// skipped messages than MaxSkip allows.
	ErrTooManySkipped Error = "signal: too many skipped messages"

	// ErrNoSession is raised when a v2 envelope carries no session
	// bootstrap material and no session exists for the pair.
	ErrNoSession Error = "signal: no session for peer"

	// ErrDecryptFailed is raised on AEAD authentication failure.
	ErrDecryptFailed Error = "signal: decryption failed"

	// ErrNoPrekeyStore is raised when an initial X3DH message arrives
	// before the local prekey store has been generated.
	ErrNoPrekeyStore Error = "signal: local prekey store not initialized"

	// ErrUnsupportedVersion is raised when an envelope's version is not 1 or 2.
	ErrUnsupportedVersion Error = "signal: unsupported envelope version"
)
