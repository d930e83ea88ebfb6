// Package session drives the client side of a live connection: connect,
// notice the loss, back off, reconnect, and give up for a while when the
// budget is spent.
//
// State machine:
//
//	Connecting --ok--> Connected --Lost--> Reconnecting --ok--> Connected
//	     |                                     |
//	     +--fail--> Reconnecting <--fail-------+
//	                     |
//	                     +--MaxAttempts failures--> Disconnected (offline)
//	                                                   |
//	                                                   +--Cooldown--> Reconnecting
//
//	any state --Close--> Abandoned (terminal)
//
// Delays follow Policy: exponential from Base up to Cap with downward
// jitter, never shorter than the previous delay within one cycle. A
// successful connection resets the schedule to Base.
//
// Time comes from an injected Clock so tests drive the machine with
// FakeClock instead of sleeping.
package session
