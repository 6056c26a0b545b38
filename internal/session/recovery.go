package session

import (
	"context"

	"github.com/zhouzirui/mindwell/internal/fsm"
	"github.com/zhouzirui/mindwell/internal/model/therapy"
	"github.com/zhouzirui/mindwell/internal/transport"
)

// pump feeds inbound envelopes to the remote generator until the channel
// stops, then hands an unexpected close to recovery.
func (c *Controller) pump(ch transport.Channel) {
	defer c.wg.Done()
	for env := range ch.Messages() {
		c.handleInbound(env)
	}
	c.recoverTransport(c.runCtx, ch, ch.Err())
}

func (c *Controller) handleInbound(env transport.Envelope) {
	c.mu.Lock()
	remote := c.remote
	c.mu.Unlock()

	switch env.Type {
	case transport.TypeResponse:
		payload, err := env.TextPayload()
		if err != nil {
			c.logger.Warn("dropped malformed response", "error", err)
			return
		}
		if !remote.Deliver(payload.Text) {
			c.logger.Debug("response had no pending turn")
		}
	case transport.TypeError:
		payload, err := env.ErrorPayload()
		if err != nil {
			c.logger.Warn("dropped malformed error envelope", "error", err)
			return
		}
		if !remote.Fail(payload.Message) {
			c.appendNotice(msgService + payload.Message)
		}
	case transport.TypeConnected:
	default:
		c.logger.Debug("ignored inbound envelope", "type", env.Type)
	}
}

// recoverTransport handles the loss of failed. The first loss of a session
// gets one silent reconnect; after that, or when the reconnect fails, the
// session continues on the simulator.
func (c *Controller) recoverTransport(ctx context.Context, failed transport.Channel, cause error) {
	c.recoverMu.Lock()
	defer c.recoverMu.Unlock()

	c.mu.Lock()
	if failed == nil || c.channel != failed || c.channelClosed || c.state != fsm.StateConnected {
		c.mu.Unlock()
		return
	}
	tryReconnect := !c.reconnectUsed
	c.reconnectUsed = true
	sessionID := c.session.ID
	c.mu.Unlock()

	_ = failed.Close()
	c.logger.Warn("transport lost", "error", cause, "reconnect", tryReconnect)

	if tryReconnect && c.deps.Dialer != nil {
		ch, err := c.deps.Dialer.Dial(ctx, sessionID)
		if err == nil {
			c.mu.Lock()
			if c.channelClosed || c.state != fsm.StateConnected {
				c.mu.Unlock()
				_ = ch.Close()
				return
			}
			c.channel = ch
			c.remote.Rebind(ch.Send)
			c.wg.Add(1)
			go c.pump(ch)
			c.mu.Unlock()
			c.logger.Info("transport reconnected", "session_id", sessionID)
			return
		}
		c.logger.Warn("reconnect failed", "error", err)
	}
	c.degrade()
}

func (c *Controller) degrade() {
	c.mu.Lock()
	if c.channelClosed || c.session.Mode == therapy.ModeLocal {
		c.mu.Unlock()
		return
	}
	c.channel = nil
	c.session.Mode = therapy.ModeLocal
	c.active = c.sim
	remote := c.remote
	c.appendLocked(systemMessage(msgDegraded))
	c.mu.Unlock()

	remote.Interrupt(&transport.Error{Op: "receive", Err: transport.ErrClosed})
	c.logger.Warn("session degraded to offline mode", "session_id", c.Session().ID)
}
