package redisipc

// Response is the outcome of SendToGroup: either fulfilled with the reply
// content, or rejected with a reason. Rejections carry the peer's reply
// content, or an error for local failures (timeout, publish failure).
type Response struct {
	status  Status
	content string
	err     error
}

// Fulfilled builds a fulfilled response carrying the reply value.
func Fulfilled(value string) Response {
	return Response{status: StatusFulfilled, content: value}
}

// Rejected builds a rejected response carrying the peer's reply content.
func Rejected(content string) Response {
	return Response{status: StatusRejected, content: content}
}

// RejectedErr builds a rejected response caused by a local error, such as
// ErrTimeout or a failed publish.
func RejectedErr(err error) Response {
	return Response{status: StatusRejected, err: err}
}

// IsFulfilled reports whether the request was answered with a fulfilled reply.
func (r Response) IsFulfilled() bool { return r.status == StatusFulfilled }

// IsRejected reports whether the request was rejected, timed out or failed.
func (r Response) IsRejected() bool { return r.status == StatusRejected }

// Value returns the reply content of a fulfilled response, "" otherwise.
func (r Response) Value() string {
	if r.status != StatusFulfilled {
		return ""
	}
	return r.content
}

// Reason returns the rejection reason: the peer's reply content, or the text
// of the local error. "" for fulfilled responses.
func (r Response) Reason() string {
	if r.status != StatusRejected {
		return ""
	}
	if r.err != nil {
		return r.err.Error()
	}
	return r.content
}

// Err returns the local error behind a rejection, if any. Timeouts satisfy
// errors.Is(resp.Err(), ErrTimeout). Rejections produced by the peer return
// nil; inspect Reason for their content.
func (r Response) Err() error { return r.err }
