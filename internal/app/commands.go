package app

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"loyaltybot/internal/approval"
	"loyaltybot/internal/dispatch"
	"loyaltybot/internal/loyalty"
	"loyaltybot/internal/storage"
	"loyaltybot/internal/transport"
	logx "loyaltybot/pkg/logx"
)

const replyTimeout = 10 * time.Second

// router maps incoming updates to the loyalty services. It holds no business
// state of its own.
type router struct {
	log     logx.Logger
	adapter transport.Adapter
	store   storage.Store
	eval    *loyalty.Evaluator
	bcast   *dispatch.Broadcaster
	flow    *approval.Workflow
	admins  *adminGate

	// handlers tracks per-update goroutines so DispatchLoop returns only
	// after every in-flight command has finished with the store.
	handlers sync.WaitGroup
}

func newRouter(log logx.Logger, adapter transport.Adapter, store storage.Store, eval *loyalty.Evaluator, bcast *dispatch.Broadcaster, flow *approval.Workflow, admins *adminGate) *router {
	return &router{
		log:     log,
		adapter: adapter,
		store:   store,
		eval:    eval,
		bcast:   bcast,
		flow:    flow,
		admins:  admins,
	}
}

// DispatchLoop consumes updates until ctx is done. Each update is handled in
// its own goroutine so a long broadcast cannot stall other commands.
func (r *router) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	defer r.handlers.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.handlers.Add(1)
			go func() {
				defer r.handlers.Done()
				r.handle(ctx, up)
			}()
		}
	}
}

func (r *router) handle(ctx context.Context, up transport.Update) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic handling update", logx.Any("panic", rec))
		}
	}()

	switch up.Kind {
	case transport.UpdateMessage:
		if up.Message != nil {
			r.handleMessage(ctx, up.Message)
		}
	case transport.UpdateCallback:
		if up.Callback != nil {
			r.handleCallback(ctx, up.Callback)
		}
	}
}

func (r *router) handleMessage(ctx context.Context, m *transport.Message) {
	if m.IsGroup {
		return
	}
	text := strings.TrimSpace(m.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}

	cmd, args := splitCommand(text)
	switch cmd {
	case "/start":
		r.cmdStart(ctx, m)
	case "/help":
		r.cmdHelp(ctx, m)
	case "/progress":
		r.cmdProgress(ctx, m)
	case "/rewards":
		r.cmdRewards(ctx, m)
	case "/redeem":
		r.cmdRedeem(ctx, m)
	case "/broadcast":
		r.cmdBroadcast(ctx, m, args)
	default:
		r.reply(ctx, m.ChatID, "Unknown command. Try /help.")
	}
}

func splitCommand(text string) (cmd, args string) {
	cmd = text
	if i := strings.IndexAny(text, " \n"); i >= 0 {
		cmd, args = text[:i], strings.TrimSpace(text[i+1:])
	}
	// strip the @botname suffix Telegram appends in some clients
	if i := strings.Index(cmd, "@"); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), args
}

func (r *router) cmdStart(ctx context.Context, m *transport.Message) {
	u, err := r.store.UpsertUser(ctx, storage.User{
		ID:        m.FromID,
		FirstName: m.FromFirst,
		LastName:  m.FromLast,
		Username:  m.FromUsername,
	})
	if err != nil {
		r.log.Warn("registration failed", logx.Int64("user", m.FromID), logx.Err(err))
		r.reply(ctx, m.ChatID, "Something went wrong, please try again later.")
		return
	}

	promotion := r.eval.Config().Promotion
	if err := r.store.EnsureCounter(ctx, u.ID, promotion); err != nil {
		r.log.Warn("counter setup failed", logx.Int64("user", u.ID), logx.Err(err))
	}
	r.reply(ctx, m.ChatID, welcomeText(u.FirstName, promotion))
}

func (r *router) cmdHelp(ctx context.Context, m *transport.Message) {
	isAdmin, err := r.admins.IsAdmin(ctx, m.FromID)
	if err != nil {
		isAdmin = false
	}
	r.reply(ctx, m.ChatID, helpText(isAdmin))
}

func (r *router) cmdProgress(ctx context.Context, m *transport.Message) {
	el, err := r.eval.EvaluateUser(ctx, m.FromID)
	if err != nil {
		r.log.Warn("progress lookup failed", logx.Int64("user", m.FromID), logx.Err(err))
		r.reply(ctx, m.ChatID, "Can't check your progress right now, please try again later.")
		return
	}
	r.reply(ctx, m.ChatID, progressText(el, r.eval.Config().SlotSize))
}

func (r *router) cmdRewards(ctx context.Context, m *transport.Message) {
	grants, err := r.store.Grants(ctx, m.FromID)
	if err != nil {
		r.log.Warn("rewards lookup failed", logx.Int64("user", m.FromID), logx.Err(err))
		r.reply(ctx, m.ChatID, "Can't check your rewards right now, please try again later.")
		return
	}
	unused, used := 0, 0
	for _, g := range grants {
		if g.Used {
			used++
		} else {
			unused++
		}
	}
	r.reply(ctx, m.ChatID, rewardsText(unused, used))
}

func (r *router) cmdRedeem(ctx context.Context, m *transport.Message) {
	user, err := r.store.GetUser(ctx, m.FromID)
	if errors.Is(err, storage.ErrNotFound) {
		r.reply(ctx, m.ChatID, "You're not registered yet. Use /start first.")
		return
	}
	if err != nil {
		r.log.Warn("redeem lookup failed", logx.Int64("user", m.FromID), logx.Err(err))
		r.reply(ctx, m.ChatID, "Something went wrong, please try again later.")
		return
	}

	req, err := r.flow.Submit(ctx, user)
	switch {
	case errors.Is(err, approval.ErrNotEligible):
		r.reply(ctx, m.ChatID, "You don't have a reward ready yet. Check /progress.")
	case err != nil:
		r.log.Warn("redemption submit failed", logx.Int64("user", m.FromID), logx.Err(err))
		r.reply(ctx, m.ChatID, "Couldn't register your request, please try again later.")
	default:
		// Acknowledged immediately, regardless of how the admin fan-out went.
		r.reply(ctx, m.ChatID,
			"Request #"+strconv.FormatInt(req.ID, 10)+" registered. The staff will confirm it shortly.")
	}
}

func (r *router) cmdBroadcast(ctx context.Context, m *transport.Message, args string) {
	rep, err := r.bcast.RunAll(ctx, m.FromID, args)
	switch {
	case errors.Is(err, dispatch.ErrUnauthorized):
		r.reply(ctx, m.ChatID, "Broadcast is for administrators only.")
	case errors.Is(err, dispatch.ErrEmptyMessage):
		r.reply(ctx, m.ChatID, "Usage: /broadcast <text>")
	case err != nil:
		r.log.Warn("broadcast failed", logx.Int64("admin", m.FromID), logx.Err(err))
		r.reply(ctx, m.ChatID, "Broadcast failed: couldn't load the user list.")
	default:
		// Always report, even an all-zero run.
		r.reply(ctx, m.ChatID, "Broadcast finished: "+rep.String())
	}
}

func (r *router) handleCallback(ctx context.Context, cb *transport.Callback) {
	decision, requestID, ok := parseDecision(cb.Data)
	if !ok {
		r.answer(ctx, cb.ID, "")
		return
	}

	req, err := r.flow.Resolve(ctx, requestID, cb.FromID, decision)
	switch {
	case errors.Is(err, approval.ErrConflict):
		r.answer(ctx, cb.ID, "Already resolved by another administrator.")
	case errors.Is(err, approval.ErrUnauthorized):
		r.answer(ctx, cb.ID, "Administrators only.")
	case err != nil:
		r.log.Warn("resolution failed",
			logx.Int64("request", requestID), logx.Int64("admin", cb.FromID), logx.Err(err))
		r.answer(ctx, cb.ID, "Something went wrong, try again.")
	default:
		if req.Status == storage.StatusApproved {
			r.answer(ctx, cb.ID, "Approved ✅")
		} else {
			r.answer(ctx, cb.ID, "Rejected ❌")
		}
	}
}

// parseDecision understands the callback payloads attached to approval
// fan-out messages: "approve:<id>" and "reject:<id>".
func parseDecision(data string) (approval.Decision, int64, bool) {
	data = strings.TrimPrefix(strings.TrimSpace(data), "\f")
	action, idStr, found := strings.Cut(data, ":")
	if !found {
		return "", 0, false
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id <= 0 {
		return "", 0, false
	}
	switch action {
	case "approve":
		return approval.Approve, id, true
	case "reject":
		return approval.Reject, id, true
	default:
		return "", 0, false
	}
}

// reply answers an interactive command directly through the adapter; these
// one-off responses don't go through the batch rate gate.
func (r *router) reply(ctx context.Context, chatID int64, text string) {
	sctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()
	if _, err := r.adapter.SendText(sctx, transport.ChatTarget{ChatID: chatID}, text, nil); err != nil {
		r.log.Warn("reply failed", logx.Int64("chat", chatID), logx.Err(err))
	}
}

func (r *router) answer(ctx context.Context, callbackID, text string) {
	sctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()
	if err := r.adapter.AnswerCallback(sctx, callbackID, text); err != nil {
		r.log.Warn("callback answer failed", logx.Err(err))
	}
}
