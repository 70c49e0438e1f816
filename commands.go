package rwsnet

// Subprotocol names negotiated through Sec-WebSocket-Protocol.
const (
	SubprotocolJSON = "jsonRWS"
	SubprotocolRaw  = "raw"
)

// Delimiter terminates every serialized message inside a text frame.
// Both subprotocols use the same end-of-text sentinel.
const Delimiter = "\u0003"

// ServerID is the connection ID reserved for the server itself.
const ServerID = "0"

// Commands recognised by the dispatcher.
const (
	CmdSendOne   = "socket/sendone"
	CmdSend      = "socket/send"
	CmdBroadcast = "socket/broadcast"
	CmdSendAll   = "socket/sendall"
	CmdNick      = "socket/nick"

	CmdRoomEnter   = "room/enter"
	CmdRoomExit    = "room/exit"
	CmdRoomExitAll = "room/exitall"
	CmdRoomSend    = "room/send"

	CmdRoute = "route"

	CmdQuestionSocketID   = "question/socket/id"
	CmdQuestionSocketList = "question/socket/list"
	CmdQuestionRoomList   = "question/room/list"
	CmdQuestionRoomListMy = "question/room/listmy"

	CmdInfoSocketID = "info/socket/id"
	CmdError        = "error"
	CmdServerError  = "server-error"
)

// Handshake response headers added by the server.
const (
	HeaderSocketID = "Sec-WebSocket-SocketID"
	HeaderTimeout  = "Sec-WebSocket-Timeout"
	HeaderVersion  = "Sec-WebSocket-Rws-Version"
)

// Version is reported in the HeaderVersion handshake header.
const Version = "1.0.0"

// Standard error messages
const (
	// Protocol errors
	ErrInvalidMessageFormat = "Invalid message format"
	ErrUnknownCommand       = "unknown command"
	ErrSenderMismatch       = "envelope sender does not match the connection"

	// Connection errors
	ErrClientNotFound       = "client not found"
	ErrConnectionClosed     = "client connection is closed"
	ErrContextCancelled     = "client context cancelled"
	ErrFailedToEncode       = "failed to encode message"
	ErrServerAlreadyRunning = "server already running"
	ErrMaxConnsReached      = "Max connections reached"
	ErrMaxIPConnsReached    = "Max connections from this IP address reached"
	ErrUnauthenticated      = "Unauthenticated socket"
	ErrRateLimitExceeded    = "Rate limit exceeded"
)
