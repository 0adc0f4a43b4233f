package provider

import "context"

type Server struct {
	Impl Provider
}

func (s *Server) CreateOrUpdate(req CreateOrUpdateRequest, reply *CreateOrUpdateReply) error {
	resp, err := s.Impl.CreateOrUpdate(context.Background(), req)
	reply.Response = resp
	reply.Err = wrapWireError(err)
	return nil
}

func (s *Server) Delete(req DeleteRequest, reply *DeleteReply) error {
	reply.Err = wrapWireError(s.Impl.Delete(context.Background(), req))
	return nil
}

func (s *Server) Get(req GetRequest, reply *GetReply) error {
	resp, err := s.Impl.Get(context.Background(), req)
	reply.Response = resp
	reply.Err = wrapWireError(err)
	return nil
}
