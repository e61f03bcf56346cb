// Package router turns incoming transport updates into lifecycle operations
// and renders the replies. It is deliberately thin glue: all state lives in
// the broadcast service.
package router

import (
	"context"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"relaybot/internal/broadcast"
	"relaybot/internal/transport"
	"relaybot/pkg/logx"
)

// handleTimeout bounds a single command or callback, fan-out included.
const handleTimeout = 30 * time.Second

type Router struct {
	adapter transport.Adapter
	svc     *broadcast.Service
	log     logx.Logger

	mu     sync.Mutex
	admins map[int64]struct{}
}

func New(adapter transport.Adapter, svc *broadcast.Service, log logx.Logger, adminIDs []int64) *Router {
	r := &Router{
		adapter: adapter,
		svc:     svc,
		log:     log,
	}
	r.SetAdmins(adminIDs)
	return r
}

// SetAdmins replaces the admin set (hot reload).
func (r *Router) SetAdmins(ids []int64) {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	r.mu.Lock()
	r.admins = m
	r.mu.Unlock()
}

func (r *Router) isAdmin(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.admins[userID]
	return ok
}

// Run consumes updates until ctx is done. Each update is handled in its own
// goroutine so a slow fan-out cannot stall the poll loop.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			go r.handle(ctx, up)
		}
	}
}

func (r *Router) handle(ctx context.Context, up transport.Update) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in update handler",
				logx.Any("panic", rec),
				logx.String("stack", string(debug.Stack())))
		}
	}()

	hctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	start := time.Now()
	switch up.Kind {
	case transport.UpdateMessage:
		if up.Message != nil {
			r.handleMessage(hctx, up.Message)
		}
	case transport.UpdateCallback:
		if up.Callback != nil {
			r.handleCallback(hctx, up.Callback)
		}
	}
	if d := time.Since(start); d >= 750*time.Millisecond {
		r.log.Debug("slow update", logx.String("kind", string(up.Kind)), logx.Duration("took", d))
	}
}

func (r *Router) reply(ctx context.Context, chatID int64, text string) {
	_, err := r.adapter.SendText(ctx, transport.ChatTarget{ChatID: chatID}, text,
		&transport.SendOptions{ParseMode: "HTML", DisablePreview: true})
	if err != nil {
		r.log.Warn("reply failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

func (r *Router) answer(ctx context.Context, callbackID, text string, alert bool) {
	if err := r.adapter.AnswerCallback(ctx, callbackID, text, alert); err != nil {
		r.log.Debug("callback answer failed", logx.Err(err))
	}
}

// humanName builds a display name the way the source bot did: first/last,
// then username, then a bare id, with the username appended when present.
func humanName(first, last, username string, id int64) string {
	name := strings.TrimSpace(strings.TrimSpace(first) + " " + strings.TrimSpace(last))
	if name == "" {
		name = username
	}
	if name == "" {
		return "id:" + strconv.FormatInt(id, 10)
	}
	if username != "" && name != username {
		return name + " (@" + username + ")"
	}
	return name
}
