package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"agent-webapp/internal/domain"
	"agent-webapp/internal/usecase/stream"
)

// ChatAPI is the chat service surface the gateway drives.
type ChatAPI interface {
	Send(ctx context.Context, req domain.ChatRequest) (*stream.Consumer, error)
	Cancel(ctx context.Context, messageID string) error
	Resolve(ctx context.Context, messageID, requestID string, approved bool) error
	Pending() []domain.McpApprovalRequest
}

// HandlerDeps holds dependencies needed by RPC handlers.
type HandlerDeps struct {
	Chat       ChatAPI
	Store      domain.ConversationStore // can be nil (no history)
	Bus        domain.EventBus
	Authorizer domain.Authorizer   // can be nil (RBAC disabled)
	Audit      domain.AuditLogger // can be nil (no audit trail)
	Logger     *slog.Logger
}

func (d HandlerDeps) audit(ctx context.Context, event domain.AuditEvent) {
	if d.Audit == nil {
		return
	}
	if err := d.Audit.Log(ctx, event); err != nil {
		d.Logger.Error("audit write failed", "type", string(event.Type), "error", err)
	}
}

// requirePerm wraps an RPCHandler with RBAC enforcement. Tokens without
// roles are treated as admin.
func requirePerm(deps HandlerDeps, perm domain.Permission, handler RPCHandler) RPCHandler {
	if deps.Authorizer == nil {
		return handler
	}
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		roles := domain.StringsToAuthRoles(client.Roles)
		if len(client.Roles) == 0 {
			roles = []domain.AuthRole{domain.AuthRoleAdmin}
		}
		if err := deps.Authorizer.Authorize(ctx, roles, perm); err != nil {
			deps.Logger.Warn("rpc access denied",
				"client", client.Name, "permission", string(perm))
			deps.audit(ctx, domain.AuditEvent{
				Type:    domain.AuditAccessDenied,
				Actor:   client.Name,
				Action:  string(perm),
				Outcome: "denied",
			})
			return nil, err
		}
		return handler(ctx, client, payload)
	}
}

// RegisterDefaultHandlers registers the chat, approval and history RPCs.
func RegisterDefaultHandlers(s *Server, deps HandlerDeps) {
	rpc := func(method string, perm domain.Permission, h RPCHandler) {
		s.RegisterHandler(method, requirePerm(deps, perm, h))
	}

	rpc("chat.send", domain.PermChatSend, chatSendHandler(deps))
	rpc("chat.cancel", domain.PermChatCancel, chatCancelHandler(deps))
	rpc("approval.approve", domain.PermApprove, approvalHandler(deps, true))
	rpc("approval.reject", domain.PermApprove, approvalHandler(deps, false))
	rpc("approval.pending", domain.PermApprovalView, approvalPendingHandler(deps))

	if deps.Store != nil {
		rpc("conversations.list", domain.PermHistoryView, conversationListHandler(deps))
		rpc("conversations.messages", domain.PermHistoryView, conversationMessagesHandler(deps))
	}
}

// RegisterRESTHandlers registers the status and metrics endpoints.
func RegisterRESTHandlers(s *Server, deps HandlerDeps) *Metrics {
	startTime := time.Now()
	metrics := NewMetrics(deps.Bus)

	authMiddleware := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if _, err := s.auth.Authenticate(bearerToken(r)); err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}

	s.RegisterHTTPRoute("/healthz", healthHandler)
	s.RegisterHTTPRoute("/api/v1/status", authMiddleware(statusHandler(s, deps, startTime, metrics)))
	s.RegisterHTTPRoute("/metrics", authMiddleware(metricsHandler(s, deps, startTime, metrics)))
	return metrics
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return domain.ErrRPCInvalidPayload
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return domain.NewDomainError("gateway.decode", domain.ErrRPCInvalidPayload, err.Error())
	}
	return nil
}

// --- chat ---

type chatSendRequest struct {
	ConversationID     string                  `json:"conversationId"`
	Message            string                  `json:"message"`
	Attachments        []domain.FileAttachment `json:"attachments,omitempty"`
	PreviousResponseID string                  `json:"previousResponseId,omitempty"`
}

type chatSendResponse struct {
	MessageID      string          `json:"messageId"`
	ConversationID string          `json:"conversationId,omitempty"`
	Snapshot       domain.Snapshot `json:"snapshot"`
}

// chatSendHandler starts a stream and returns at once; progress arrives as
// stream events. A stream that could not be opened still returns its failed
// snapshot so the client can show the classified error in place.
func chatSendHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req chatSendRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if req.Message == "" && len(req.Attachments) == 0 {
			return nil, domain.ErrRPCInvalidPayload
		}

		consumer, err := deps.Chat.Send(ctx, domain.ChatRequest{
			ConversationID:     req.ConversationID,
			Message:            req.Message,
			Attachments:        req.Attachments,
			PreviousResponseID: req.PreviousResponseID,
		})
		if consumer == nil {
			return nil, err
		}
		if err != nil {
			deps.Logger.Info("chat send failed", "client", client.Name,
				"message_id", consumer.MessageID(), "error", err)
		}
		snap := consumer.Snapshot()
		return json.Marshal(chatSendResponse{
			MessageID:      snap.MessageID,
			ConversationID: snap.ConversationID,
			Snapshot:       snap,
		})
	}
}

type chatCancelRequest struct {
	MessageID string `json:"messageId"`
}

func chatCancelHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req chatCancelRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if req.MessageID == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		if err := deps.Chat.Cancel(ctx, req.MessageID); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"cancelled": true})
	}
}

// --- approvals ---

// MessageID scopes RequestID to one message; without it the request must be
// pending in exactly one streaming message.
type approvalRequest struct {
	MessageID string `json:"messageId,omitempty"`
	RequestID string `json:"requestId"`
}

func approvalHandler(deps HandlerDeps, approved bool) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req approvalRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if req.RequestID == "" {
			return nil, domain.ErrRPCInvalidPayload
		}

		action := "reject"
		if approved {
			action = "approve"
		}
		err := deps.Chat.Resolve(ctx, req.MessageID, req.RequestID, approved)
		event := domain.AuditEvent{
			Type:     domain.AuditApprovalDecision,
			Actor:    client.Name,
			Resource: req.RequestID,
			Action:   action,
			Outcome:  "success",
		}
		if err != nil {
			event.Outcome = "failure"
			event.Detail = map[string]string{"error": err.Error()}
		}
		deps.audit(ctx, event)
		if err != nil {
			return nil, err
		}
		deps.Logger.Info("approval resolved", "message_id", req.MessageID, "request_id", req.RequestID,
			"approved", approved, "client", client.Name)
		return json.Marshal(map[string]bool{"ok": true})
	}
}

func approvalPendingHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		pending := deps.Chat.Pending()
		if pending == nil {
			pending = []domain.McpApprovalRequest{}
		}
		return json.Marshal(pending)
	}
}

// --- history ---

func conversationListHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		convs, err := deps.Store.List(ctx)
		if err != nil {
			return nil, err
		}
		if convs == nil {
			convs = []domain.ConversationInfo{}
		}
		return json.Marshal(convs)
	}
}

type conversationMessagesRequest struct {
	ConversationID string `json:"conversationId"`
}

func conversationMessagesHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req conversationMessagesRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if req.ConversationID == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		msgs, err := deps.Store.Messages(ctx, req.ConversationID)
		if err != nil {
			return nil, err
		}
		if msgs == nil {
			msgs = []domain.MessageInfo{}
		}
		return json.Marshal(msgs)
	}
}
