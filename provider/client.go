package provider

import (
	"context"
	"errors"
	"net/rpc"
)

// Client is the engine-side half of the plugin connection. net/rpc flattens
// error types, so replies carry the failure classification explicitly and
// the client rebuilds it.
type Client struct {
	client *rpc.Client
}

func (c *Client) CreateOrUpdate(_ context.Context, req CreateOrUpdateRequest) (CreateOrUpdateResponse, error) {
	var reply CreateOrUpdateReply
	if err := c.client.Call("Plugin.CreateOrUpdate", req, &reply); err != nil {
		return CreateOrUpdateResponse{}, err
	}

	if err := reply.Err.unwrap(); err != nil {
		return CreateOrUpdateResponse{}, err
	}

	return reply.Response, nil
}

func (c *Client) Delete(_ context.Context, req DeleteRequest) error {
	var reply DeleteReply
	if err := c.client.Call("Plugin.Delete", req, &reply); err != nil {
		return err
	}

	return reply.Err.unwrap()
}

func (c *Client) Get(_ context.Context, req GetRequest) (GetResponse, error) {
	var reply GetReply
	if err := c.client.Call("Plugin.Get", req, &reply); err != nil {
		return GetResponse{}, err
	}

	if err := reply.Err.unwrap(); err != nil {
		return GetResponse{}, err
	}

	return reply.Response, nil
}

type CreateOrUpdateReply struct {
	Response CreateOrUpdateResponse
	Err      *WireError
}

type DeleteReply struct {
	Err *WireError
}

type GetReply struct {
	Response GetResponse
	Err      *WireError
}

// WireError carries a provider failure across the RPC boundary.
type WireError struct {
	Code      string
	Message   string
	Transient bool
}

func wrapWireError(err error) *WireError {
	if err == nil {
		return nil
	}

	var perr *Error
	if errors.As(err, &perr) {
		return &WireError{Code: perr.Code, Message: perr.Message, Transient: perr.Transient}
	}

	return &WireError{Message: err.Error()}
}

func (w *WireError) unwrap() error {
	if w == nil {
		return nil
	}

	return &Error{Code: w.Code, Message: w.Message, Transient: w.Transient}
}
