package router

import (
	"errors"

	"github.com/lwmqn/shepherd-sub001/internal/coordinator"
	"github.com/lwmqn/shepherd-sub001/internal/events"
	"github.com/lwmqn/shepherd-sub001/internal/infrastructure/mqtt"
	"github.com/lwmqn/shepherd-sub001/internal/protocol"
	"github.com/lwmqn/shepherd-sub001/internal/registry"
)

func (r *Router) handleRegister(m inbound, msg protocol.RegisterMessage) {
	objList, err := protocol.ObjectListFromWire(msg.ObjList)
	if err != nil {
		r.malformed(m.verb, m.clientID, err)
		return
	}
	if msg.Lifetime < 0 {
		r.malformed(m.verb, m.clientID, protocol.ErrBadRequest)
		return
	}
	meta := registry.Metadata{
		Lifetime:   msg.Lifetime,
		Version:    msg.Version,
		IP:         msg.IP,
		ObjectList: objList,
	}

	if err := r.cfg.Authorizer.Authorize(r.ctx, m.clientID, meta); err != nil {
		r.getLogger().Warn("registration rejected by authorizer", "client_id", m.clientID, "error", err)
		r.ack(m.verb, m.clientID, protocol.StatusUnauthorized)
		return
	}
	if _, known := r.registry.Find(m.clientID); !known && !r.cfg.Joinable() {
		r.getLogger().Info("registration refused, join closed", "client_id", m.clientID)
		r.ack(m.verb, m.clientID, protocol.StatusForError(ErrJoinClosed))
		return
	}

	outcome, dev, err := r.registry.Register(r.ctx, m.clientID, meta)
	if err != nil {
		r.getLogger().Warn("registration failed", "client_id", m.clientID, "error", err)
		r.ack(m.verb, m.clientID, protocol.StatusForError(err))
		return
	}

	r.getLogger().Info("device registered",
		"client_id", m.clientID,
		"outcome", outcome.String(),
		"lifetime", dev.Lifetime,
		"epoch", m.epoch)
	r.ack(m.verb, m.clientID, protocol.StatusCreated)
	r.bus.Emit(events.Event{Kind: events.KindRegistered, ClientID: m.clientID, Device: dev})
}

func (r *Router) handleDeregister(m inbound) {
	mark := r.coord.Mark()
	dev, err := r.registry.Deregister(r.ctx, m.clientID)
	if err != nil {
		r.ack(m.verb, m.clientID, protocol.StatusForError(err))
		return
	}
	cancelled := r.coord.CancelDeviceBefore(m.clientID, mark)

	r.getLogger().Info("device deregistered", "client_id", m.clientID, "cancelled_requests", cancelled)
	r.ack(m.verb, m.clientID, protocol.StatusDeleted)
	r.bus.Emit(events.Event{Kind: events.KindDeregistered, ClientID: m.clientID, Device: dev})
}

func (r *Router) handleUpdate(m inbound, msg protocol.UpdateMessage) {
	u := registry.Update{
		Lifetime: msg.Lifetime,
		Version:  msg.Version,
		IP:       msg.IP,
	}
	if msg.ObjList != nil {
		objList, err := protocol.ObjectListFromWire(msg.ObjList)
		if err != nil {
			r.malformed(m.verb, m.clientID, err)
			return
		}
		u.ObjectList = objList
	}

	old, updated, err := r.registry.UpdateRecord(r.ctx, m.clientID, u)
	if err != nil {
		r.ack(m.verb, m.clientID, protocol.StatusForError(err))
		return
	}

	diff := registry.Diff(old, updated)
	r.getLogger().Debug("device updated", "client_id", m.clientID, "changed", len(diff))
	r.ack(m.verb, m.clientID, protocol.StatusChanged)
	r.bus.Emit(events.Event{Kind: events.KindUpdated, ClientID: m.clientID, Device: updated, Diff: diff})
}

func (r *Router) handleNotify(m inbound, msg protocol.NotifyMessage) {
	path, err := msg.Path()
	if err != nil {
		r.malformed(m.verb, m.clientID, err)
		return
	}

	result, err := r.registry.ApplyNotify(r.ctx, m.clientID, path, msg.Value)
	if err != nil {
		if !errors.Is(err, protocol.ErrNotFound) {
			r.getLogger().Warn("notification rejected", "client_id", m.clientID, "path", path.String(), "error", err)
		}
		r.ack(m.verb, m.clientID, protocol.StatusForError(err))
		return
	}

	r.ack(m.verb, m.clientID, protocol.StatusChanged)
	dev, _ := r.registry.Find(m.clientID)
	r.bus.Emit(events.Event{Kind: events.KindNotified, ClientID: m.clientID, Device: dev, Notify: &result})
}

func (r *Router) handleResponse(m inbound, msg protocol.ResponseMessage) {
	if msg.TransID == nil {
		r.malformed(m.verb, m.clientID, protocol.ErrBadRequest)
		return
	}

	resp := coordinator.Response{
		ClientID: m.clientID,
		TransID:  *msg.TransID,
		Status:   msg.Status,
		Data:     msg.Data,
	}
	if !r.coord.Resolve(resp, r.applyResult) {
		r.getLogger().Debug("response for unknown or settled request dropped",
			"client_id", m.clientID,
			"trans_id", resp.TransID,
			"epoch", m.epoch)
	}
}

// applyResult writes the registry side effects of a successful response
// before the waiting handle settles.
func (r *Router) applyResult(h *coordinator.Handle, res coordinator.Result) {
	req := h.Request()
	var err error
	switch req.Command {
	case protocol.CmdRead:
		err = r.registry.ApplyRead(r.ctx, req.ClientID, req.Path, res.Data)
	case protocol.CmdWrite:
		if req.Path.HasResource() {
			err = r.registry.ApplyRead(r.ctx, req.ClientID, req.Path, req.Data)
		}
	case protocol.CmdWriteAttrs:
		if attrs, ok := req.Data.(protocol.Attributes); ok {
			err = r.registry.SetAttributes(r.ctx, req.ClientID, req.Path, attrs)
		}
	case protocol.CmdObserve:
		// An observe answers with the current value, like a read.
		if res.Data != nil {
			err = r.registry.ApplyRead(r.ctx, req.ClientID, req.Path, res.Data)
		}
		err = errors.Join(err, r.registry.ClearCancel(r.ctx, req.ClientID, req.Path))
	}
	if err != nil {
		r.getLogger().Warn("applying response to registry failed",
			"client_id", req.ClientID,
			"command", req.Command.String(),
			"path", req.Path.String(),
			"error", err)
	}
}

func (r *Router) handlePing(m inbound) {
	if _, err := r.registry.Touch(r.ctx, m.clientID); err != nil {
		r.ack(mqtt.VerbPing, m.clientID, protocol.StatusForError(err))
		return
	}
	r.ack(mqtt.VerbPing, m.clientID, protocol.StatusOK)
}
