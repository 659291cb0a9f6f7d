package domain

import "fmt"

// Verdict is the disposition returned to the kernel for one intercepted
// packet.
type Verdict uint8

const (
	// VerdictAccept re-injects the packet into the normal stack.
	VerdictAccept Verdict = iota
	// VerdictDrop discards the packet.
	VerdictDrop
	// VerdictAcceptMark accepts and tags the packet with the configured
	// firewall mark so later rules can skip re-queueing the flow.
	VerdictAcceptMark
)

// String returns a stable string representation of the verdict.
func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return "accept"
	case VerdictDrop:
		return "drop"
	case VerdictAcceptMark:
		return "accept-mark"
	default:
		return fmt.Sprintf("Verdict(%d)", v)
	}
}
