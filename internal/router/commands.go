package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"relaybot/internal/broadcast"
	"relaybot/internal/transport"
	"relaybot/pkg/logx"
)

const helpText = "Hi! I distribute broadcast requests to partner chats.\n\n" +
	"<b>Commands:</b>\n" +
	"/register — register this chat as a recipient (admin)\n" +
	"/unregister — remove this chat (admin)\n" +
	"/list — show registered chats\n" +
	"/broadcast <code>&lt;TTL&gt; &lt;text&gt;</code> — dispatch a request (admin)\n" +
	"/status — request counts\n" +
	"/help — this message\n\n" +
	"Your role: <b>%s</b>\nDefault TTL: %d min"

func (r *Router) handleMessage(ctx context.Context, m *transport.Message) {
	cmd, args := splitCommand(m.Text)
	if cmd == "" {
		return
	}

	switch cmd {
	case "/start", "/help":
		role := "user"
		if r.isAdmin(m.FromID) {
			role = "admin"
		}
		r.reply(ctx, m.ChatID, fmt.Sprintf(helpText, role, r.svc.DefaultTTLMinutes()))

	case "/register":
		if !r.requireAdmin(ctx, m) {
			return
		}
		was, err := r.svc.RegisterChat(ctx, m.ChatID)
		switch {
		case err != nil:
			r.reply(ctx, m.ChatID, rejectionText(err))
		case was:
			r.reply(ctx, m.ChatID, fmt.Sprintf("✅ Chat %q registered.", m.ChatTitle))
		default:
			r.reply(ctx, m.ChatID, "ℹ️ This chat is already registered.")
		}

	case "/unregister":
		if !r.requireAdmin(ctx, m) {
			return
		}
		was, err := r.svc.UnregisterChat(ctx, m.ChatID)
		switch {
		case err != nil:
			r.reply(ctx, m.ChatID, rejectionText(err))
		case was:
			r.reply(ctx, m.ChatID, fmt.Sprintf("❌ Chat %q removed.", m.ChatTitle))
		default:
			r.reply(ctx, m.ChatID, "ℹ️ This chat is not registered.")
		}

	case "/list":
		chats := r.svc.Chats()
		if len(chats) == 0 {
			r.reply(ctx, m.ChatID, "No recipient chats are registered.")
			return
		}
		lines := make([]string, 0, len(chats))
		for _, id := range chats {
			lines = append(lines, fmt.Sprintf("• <code>%d</code>", id))
		}
		r.reply(ctx, m.ChatID, "<b>Recipient chats:</b>\n"+strings.Join(lines, "\n"))

	case "/broadcast":
		if !r.requireAdmin(ctx, m) {
			return
		}
		r.handleBroadcast(ctx, m, args)

	case "/status":
		sum := r.svc.Summary()
		r.reply(ctx, m.ChatID, fmt.Sprintf(
			"<b>Requests:</b> %d total\n🟢 open: %d\n🟡 claimed: %d\n✔️ done: %d\n🔴 expired: %d\nRecipient chats: %d",
			sum.Total, sum.Open, sum.Claimed, sum.Done, sum.Expired, sum.Chats))

	default:
		r.reply(ctx, m.ChatID, "Unknown command. Use /help for the command list.")
	}
}

func (r *Router) handleBroadcast(ctx context.Context, m *transport.Message, args string) {
	if strings.TrimSpace(args) == "" {
		r.reply(ctx, m.ChatID, "Usage: /broadcast &lt;TTL&gt; &lt;text&gt;\nExample: /broadcast 30 Need help with task X")
		return
	}
	ttl, text := ParseBroadcastArgs(args, r.svc.DefaultTTLMinutes())
	if text == "" {
		r.reply(ctx, m.ChatID, "Request text is missing.")
		return
	}

	req, receipt, err := r.svc.Create(ctx, text, ttl)
	if err != nil {
		if errors.Is(err, broadcast.ErrTTLRange) {
			r.reply(ctx, m.ChatID, fmt.Sprintf("TTL must be between %d and %d minutes.",
				broadcast.MinTTLMinutes, broadcast.MaxTTLMinutes))
			return
		}
		// Partial fan-out failure is non-fatal and already counted in the
		// receipt; anything surfacing here lost the record itself.
		r.log.Error("broadcast create failed", logx.Err(err))
		r.reply(ctx, m.ChatID, rejectionText(err))
		return
	}

	r.reply(ctx, m.ChatID, fmt.Sprintf(
		"✅ Broadcast finished. Delivered: %d, failed: %d.\nRequest <b>#%s</b> (TTL %d min).",
		receipt.OK, receipt.Failed, req.ShortID(), req.TTLMinutes))
}

func (r *Router) handleCallback(ctx context.Context, cb *transport.Callback) {
	action, id, ok := splitCallback(cb.Data)
	if !ok {
		r.answer(ctx, cb.ID, "", false)
		return
	}

	actor := broadcast.Actor{
		ID:   cb.FromID,
		Name: humanName(cb.FromFirst, cb.FromLast, cb.FromUsername, cb.FromID),
	}
	privileged := r.isAdmin(cb.FromID)

	var err error
	switch action {
	case broadcast.CallbackClaim:
		_, err = r.svc.Claim(ctx, id, actor)
	case broadcast.CallbackUnclaim:
		_, err = r.svc.Unclaim(ctx, id, actor, privileged)
	case broadcast.CallbackDone:
		_, err = r.svc.Complete(ctx, id, actor, privileged)
	default:
		r.answer(ctx, cb.ID, "", false)
		return
	}

	if err != nil {
		// Soft races ("already claimed", "already free") get a toast; real
		// rejections get an alert, mirroring the source bot.
		alert := !errors.Is(err, broadcast.ErrAlreadyClaimed) && !errors.Is(err, broadcast.ErrNotClaimed)
		r.answer(ctx, cb.ID, rejectionText(err), alert)
		return
	}
	r.answer(ctx, cb.ID, "", false)
}

func (r *Router) requireAdmin(ctx context.Context, m *transport.Message) bool {
	if r.isAdmin(m.FromID) {
		return true
	}
	r.reply(ctx, m.ChatID, "This command is for admins only.")
	return false
}

// rejectionText maps engine errors to short human-readable reasons.
func rejectionText(err error) string {
	switch {
	case errors.Is(err, broadcast.ErrNotFound):
		return "Request not found."
	case errors.Is(err, broadcast.ErrAlreadyClaimed):
		return "Already claimed."
	case errors.Is(err, broadcast.ErrNotClaimed):
		return "Already free."
	case errors.Is(err, broadcast.ErrExpired):
		return "This request has expired."
	case errors.Is(err, broadcast.ErrForbidden):
		return "Only the claimer or an admin can do that."
	case broadcast.IsPersistence(err):
		return "Storage error; the action was not saved."
	default:
		return "Something went wrong."
	}
}

// splitCommand extracts "/cmd" (lowercased, @botname stripped) and the raw
// argument tail.
func splitCommand(text string) (cmd, args string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}
	if i := strings.IndexAny(text, " \t\n"); i > 0 {
		args = strings.TrimSpace(text[i+1:])
		text = text[:i]
	}
	cmd = strings.ToLower(text)
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	return cmd, args
}

// splitCallback parses "bc:<action>:<id>" into its known action prefix and id.
func splitCallback(data string) (action, id string, ok bool) {
	i := strings.LastIndexByte(data, ':')
	if i <= 0 || i == len(data)-1 {
		return "", "", false
	}
	action, id = data[:i], data[i+1:]
	switch action {
	case broadcast.CallbackClaim, broadcast.CallbackUnclaim, broadcast.CallbackDone:
		return action, id, true
	}
	return "", "", false
}
