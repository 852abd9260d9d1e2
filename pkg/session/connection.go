package session

import (
	"context"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/sidkik/vaultsync/pkg/errors"
	"github.com/sidkik/vaultsync/pkg/protocol"
)

// connection is an open connection to the server. Its goroutines only
// communicate with the session through the queue.
type connection struct {
	nc  net.Conn
	out chan protocol.Message

	// acks receives the ids of the keep-alives answered by the server.
	acks chan int64

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

func (s *Session) openConnection(nc net.Conn) *connection {
	ctx, cancel := context.WithCancel(s.ctx)
	group, ctx := errgroup.WithContext(ctx)
	c := &connection{
		nc:     nc,
		out:    make(chan protocol.Message, 32),
		acks:   make(chan int64, 1),
		ctx:    ctx,
		cancel: cancel,
		group:  group,
	}

	group.Go(func() error { return s.readLoop(c) })
	group.Go(func() error { return s.writeLoop(c) })
	group.Go(func() error { return s.keepAlive(c) })
	group.Go(func() error {
		<-ctx.Done()
		nc.Close()
		return nil
	})
	return c
}

func (c *connection) send(msg protocol.Message) error {
	select {
	case c.out <- msg:
		return nil
	case <-c.ctx.Done():
		return errors.New("send %s: connection closed", msg.Kind)
	}
}

// close stops the connection's goroutines, and returns the error that made
// the connection fail, if any.
func (c *connection) close() error {
	c.cancel()
	return c.group.Wait()
}

// lost reports a failure of the connection to the session, unless the
// session closed the connection itself.
func (s *Session) lost(c *connection, kind protocol.CommandKind, err error) error {
	if c.ctx.Err() != nil {
		return nil
	}
	s.post(systemCommands, protocol.Command{Kind: kind, Err: err})
	return err
}

func (s *Session) readLoop(c *connection) error {
	for {
		msg, err := protocol.ReadMessage(c.nc)
		if err != nil {
			return s.lost(c, protocol.BrokenConnection, errors.WithContext(err, "read"))
		}

		if msg.Kind == protocol.KeepAlive {
			id, err := msg.GetInt("id")
			if err != nil {
				return s.lost(c, protocol.BrokenConnection, errors.WithContext(err, "keep-alive"))
			}
			select {
			case c.acks <- id:
			default:
			}
			continue
		}
		s.post(serverMessages, msg)
	}
}

func (s *Session) writeLoop(c *connection) error {
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case msg := <-c.out:
			s.log.WithField("message", msg.Kind).Debug("Sending message")
			if err := protocol.WriteMessage(c.nc, msg); err != nil {
				return s.lost(c, protocol.BrokenConnection, errors.WithContext(err, "write"))
			}
		}
	}
}

// keepAlive pings the server every KeepAliveInterval, and fails the
// connection if nothing was answered for KeepAliveTimeout.
func (s *Session) keepAlive(c *connection) error {
	var id int64
	lastAck := s.clock.Now()
	next := s.clock.After(s.config.KeepAliveInterval)
	for {
		select {
		case <-c.ctx.Done():
			return nil

		case ack := <-c.acks:
			if ack <= id {
				lastAck = s.clock.Now()
			}

		case <-next:
			if s.clock.Now().Sub(lastAck) >= s.config.KeepAliveTimeout {
				return s.lost(c, protocol.KeepAliveTimeout, errors.New("no keep-alive answered since %s", lastAck))
			}

			id++
			msg, err := protocol.NewMessage(protocol.KeepAlive, protocol.Params{"id": id})
			if err != nil {
				return err
			}
			if err := c.send(msg); err != nil {
				return nil
			}
			next = s.clock.After(s.config.KeepAliveInterval)
		}
	}
}
