// Package spinegate is a Go client for the spinegate HTTP command server.
// It sends text commands with the caller's identity, surfaces step-up
// confirmations and replays the command with the issued token once the
// caller approves.
//
// Usage:
//
//	c, err := spinegate.New("http://127.0.0.1:8080",
//	    spinegate.WithBearerToken(jwt),
//	    spinegate.WithContext(spinegate.Context{RequestID: "r-42"}))
//	resp, err := c.RunConfirmed(ctx, "refund inv_1001 $20", func(prompt string) bool {
//	    return askOperator(prompt)
//	})
//
// Domain failures such as policy denials arrive in Response.Error with a
// nil error. Transport failures (unauthorized, rate limited, server errors)
// are returned as *StatusError.
package spinegate
