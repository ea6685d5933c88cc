package proto

import "regexp"

// Version is reported to the notifier in the User-Agent header.
const Version = "4.0.0"

// UserAgent is sent on every notifier request.
const UserAgent = "UDSTunnel/" + Version

// Handshake is the preamble every tunnel client sends on the raw socket before TLS.
var Handshake = []byte{0x5A, 'M', 'G', 'B', 0xA5, 0x01, 0x00}

const (
	CommandLength  = 4
	TicketLength   = 48
	PasswordLength = 64
)

// Commands sent by the client right after the handshake.
var (
	CommandOpen = []byte("OPEN")
	CommandTest = []byte("TEST")
	CommandStat = []byte("STAT") // detailed stats
	CommandInfo = []byte("INFO") // summary stats
)

// Responses written back to the client. Nothing else is ever sent before the relay starts.
var (
	ResponseOK           = []byte("OK")
	ResponseErrorTimeout = []byte("TIMEOUT")
	ResponseErrorCommand = []byte("ERROR_COMMAND")
	ResponseForbidden    = []byte("FORBIDDEN")
)

var ticketPattern = regexp.MustCompile(`^[a-zA-Z0-9]{48}$`)

// ValidTicket reports whether t has the ticket shape expected by the broker.
func ValidTicket(t []byte) bool {
	return ticketPattern.Match(t)
}

// StopMarker replaces the peer address in the notifier path when a session ends.
const StopMarker = "stop"

// Target is the notifier answer for a resolved ticket.
type Target struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Notify string `json:"notify"`
}
