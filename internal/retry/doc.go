// Package retry decides what an execution chain does after each attempt and
// how long it waits before the next one.
package retry
