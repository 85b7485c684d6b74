package protocol

import (
	"errors"
	"fmt"
	"io"
)

// Conn is one side of a dispatcher/host channel. It is not safe for concurrent
// use; callers keep at most one request outstanding.
type Conn struct {
	enc Encoder
	dec Decoder
}

// NewConn wraps r and w with codec c.
func NewConn(c Codec, r io.Reader, w io.Writer) *Conn {
	return &Conn{
		enc: c.NewEncoder(w),
		dec: c.NewDecoder(r),
	}
}

// WriteRequest validates and encodes req.
func (c *Conn) WriteRequest(req *Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if err := c.enc.Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return nil
}

// ReadRequest decodes and validates the next request. It returns io.EOF
// unchanged when the peer closed the stream cleanly.
func (c *Conn) ReadRequest() (*Request, error) {
	var req Request
	if err := c.dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return &req, err
	}
	return &req, nil
}

// WriteResponse validates and encodes resp.
func (c *Conn) WriteResponse(resp *Response) error {
	if err := resp.Validate(); err != nil {
		return err
	}
	if err := c.enc.Encode(resp); err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	return nil
}

// ReadResponse decodes and validates the next response.
func (c *Conn) ReadResponse() (*Response, error) {
	var resp Response
	if err := c.dec.Decode(&resp); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if err := resp.Validate(); err != nil {
		return nil, fmt.Errorf("invalid response: %w", err)
	}
	return &resp, nil
}
