// Package dedupe remembers recently seen event ids so a redelivered chat
// event is handled once.
package dedupe
