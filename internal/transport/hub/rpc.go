package hub

import (
	"context"
	"encoding/json"
	"log/slog"

	apperrors "github.com/dethon/relay/internal/errors"
	"github.com/dethon/relay/internal/history"
	"github.com/dethon/relay/internal/streaming"
)

// envelope is the JSON frame in both directions. Requests carry Method and
// Params; responses echo the request ID with Result or Error; server-pushed
// notifications and stream frames carry Method with no ID correlation needed
// beyond the stream's own.
type envelope struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result interface{}     `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Message string `json:"message"`
}

const (
	methodStream    = "stream"
	methodStreamEnd = "stream_end"
)

func (h *Hub) readLoop(conn *Conn) {
	conn.ws.SetReadLimit(maxInboundSize)

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}

		var req envelope
		if err := json.Unmarshal(data, &req); err != nil {
			h.replyError(conn, "", "malformed request")
			continue
		}

		// Streaming methods block until end-of-stream; queries return fast.
		// Either way a slow call must not stall the read loop.
		go h.dispatch(conn, req)
	}
}

func (h *Hub) dispatch(conn *Conn, req envelope) {
	switch req.Method {
	case "RegisterUser":
		h.handleRegisterUser(conn, req)
	case "GetAgents":
		h.reply(conn, req.ID, h.svc.GetAgents())
	case "ValidateAgent":
		h.handleValidateAgent(conn, req)
	case "StartSession":
		h.handleStartSession(conn, req)
	case "JoinSpace":
		h.handleJoinSpace(conn, req)
	case "GetHistory":
		h.handleGetHistory(conn, req)
	case "GetAllTopics":
		h.handleGetAllTopics(conn, req)
	case "IsProcessing":
		h.handleIsProcessing(conn, req)
	case "GetStreamState":
		h.handleGetStreamState(conn, req)
	case "ResumeStream":
		h.handleResumeStream(conn, req)
	case "SendMessage":
		h.handleSendMessage(conn, req)
	case "EnqueueMessage":
		h.handleEnqueueMessage(conn, req)
	case "CancelTopic":
		h.handleCancelTopic(conn, req)
	case "DeleteTopic":
		h.handleDeleteTopic(conn, req)
	case "SaveTopic":
		h.handleSaveTopic(conn, req)
	case "RespondToApproval":
		h.handleRespondToApproval(conn, req)
	case "IsApprovalPending":
		h.handleIsApprovalPending(conn, req)
	case "GetPendingApprovalForTopic":
		h.handleGetPendingApproval(conn, req)
	default:
		h.replyError(conn, req.ID, "unknown method: "+req.Method)
	}
}

func (h *Hub) reply(conn *Conn, id string, result interface{}) {
	data, err := json.Marshal(envelope{ID: id, Result: result})
	if err != nil {
		h.logger.Error("failed to marshal reply", slog.String("error", err.Error()))
		return
	}
	conn.enqueue(data)
}

func (h *Hub) replyError(conn *Conn, id, message string) {
	data, err := json.Marshal(envelope{ID: id, Error: &rpcError{Message: message}})
	if err != nil {
		return
	}
	conn.enqueue(data)
}

func (h *Hub) handleRegisterUser(conn *Conn, req envelope) {
	var params struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.UserID == "" {
		h.replyError(conn, req.ID, "user id is required")
		return
	}

	conn.setUserID(params.UserID)
	h.reply(conn, req.ID, true)

	h.logger.Info("user registered",
		slog.String("conn_id", conn.ID),
		slog.String("user_id", params.UserID))
}

func (h *Hub) handleValidateAgent(conn *Conn, req envelope) {
	var params struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		h.replyError(conn, req.ID, "malformed params")
		return
	}

	valid := false
	for _, d := range h.svc.GetAgents() {
		if d.ID == params.AgentID {
			valid = true
			break
		}
	}
	h.reply(conn, req.ID, valid)
}

func (h *Hub) handleStartSession(conn *Conn, req envelope) {
	var params struct {
		AgentID   string `json:"agent_id"`
		TopicID   string `json:"topic_id"`
		ChatID    int64  `json:"chat_id"`
		ThreadID  int64  `json:"thread_id"`
		GroupSlug string `json:"group_slug"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		h.replyError(conn, req.ID, "malformed params")
		return
	}

	if params.GroupSlug != "" {
		h.joinGroup(conn, params.GroupSlug)
	}

	if err := h.svc.StartSession(params.TopicID, params.AgentID, params.ChatID, params.ThreadID, params.GroupSlug); err != nil {
		h.reply(conn, req.ID, false)
		return
	}
	h.reply(conn, req.ID, true)
}

func (h *Hub) handleJoinSpace(conn *Conn, req envelope) {
	var params struct {
		GroupSlug string `json:"group_slug"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		h.replyError(conn, req.ID, "malformed params")
		return
	}

	h.joinGroup(conn, params.GroupSlug)

	if params.GroupSlug == "" {
		h.reply(conn, req.ID, nil)
		return
	}
	h.reply(conn, req.ID, map[string]interface{}{
		"group_slug": params.GroupSlug,
	})
}

func (h *Hub) handleGetHistory(conn *Conn, req envelope) {
	var params struct {
		AgentID  string `json:"agent_id"`
		ChatID   int64  `json:"chat_id"`
		ThreadID int64  `json:"thread_id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		h.replyError(conn, req.ID, "malformed params")
		return
	}

	msgs, err := h.svc.GetHistoryFor(context.Background(), params.AgentID, params.ChatID, params.ThreadID)
	if err != nil {
		h.replyError(conn, req.ID, err.Error())
		return
	}
	h.reply(conn, req.ID, msgs)
}

func (h *Hub) handleGetAllTopics(conn *Conn, req envelope) {
	var params struct {
		AgentID   string `json:"agent_id"`
		GroupSlug string `json:"group_slug"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		h.replyError(conn, req.ID, "malformed params")
		return
	}

	topics, err := h.svc.GetAllTopics(context.Background(), params.AgentID, params.GroupSlug)
	if err != nil {
		h.replyError(conn, req.ID, err.Error())
		return
	}
	h.reply(conn, req.ID, topics)
}

func (h *Hub) handleIsProcessing(conn *Conn, req envelope) {
	var params struct {
		TopicID string `json:"topic_id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		h.replyError(conn, req.ID, "malformed params")
		return
	}
	h.reply(conn, req.ID, h.svc.IsProcessing(params.TopicID))
}

func (h *Hub) handleGetStreamState(conn *Conn, req envelope) {
	var params struct {
		TopicID string `json:"topic_id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		h.replyError(conn, req.ID, "malformed params")
		return
	}
	h.reply(conn, req.ID, h.svc.GetStreamState(params.TopicID))
}

// streamFrame pushes one StreamMessage to the connection, correlated to the
// originating request id.
func (h *Hub) streamFrame(conn *Conn, id string, msg streaming.StreamMessage) {
	data, err := json.Marshal(envelope{ID: id, Method: methodStream, Result: msg})
	if err != nil {
		return
	}
	conn.enqueue(data)
}

func (h *Hub) streamEnd(conn *Conn, id string) {
	data, err := json.Marshal(envelope{ID: id, Method: methodStreamEnd})
	if err != nil {
		return
	}
	conn.enqueue(data)
}

func (h *Hub) handleResumeStream(conn *Conn, req envelope) {
	var params struct {
		TopicID       string `json:"topic_id"`
		AfterSequence int64  `json:"after_sequence"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		h.replyError(conn, req.ID, "malformed params")
		return
	}

	res := h.svc.ResumeStream(conn.ctx, params.TopicID, params.AfterSequence)
	if res == nil {
		h.streamEnd(conn, req.ID)
		return
	}

	// Pending approval first so the client can rebuild its decision UI
	// before any content renders.
	if res.PendingApproval != nil {
		h.streamFrame(conn, req.ID, streaming.StreamMessage{
			ApprovalRequest: res.PendingApproval,
		})
	}

	watermark := params.AfterSequence
	for _, msg := range res.Buffered {
		h.streamFrame(conn, req.ID, msg)
		if msg.SequenceNumber > watermark {
			watermark = msg.SequenceNumber
		}
	}

	if res.Live != nil {
		for msg := range res.Live {
			// The broker does not deduplicate across the buffer/live seam.
			if msg.SequenceNumber <= watermark {
				continue
			}
			h.streamFrame(conn, req.ID, msg)
		}
	}

	h.streamEnd(conn, req.ID)
}

func (h *Hub) handleSendMessage(conn *Conn, req envelope) {
	var params struct {
		TopicID       string `json:"topic_id"`
		Text          string `json:"text"`
		CorrelationID string `json:"correlation_id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		h.replyError(conn, req.ID, "malformed params")
		return
	}

	userID := conn.UserID()
	if userID == "" {
		h.replyError(conn, req.ID, apperrors.ErrNotRegistered.Error())
		return
	}

	ch, _, err := h.svc.SendMessage(conn.ctx, params.TopicID, params.Text, userID, params.CorrelationID)
	if err != nil {
		h.replyError(conn, req.ID, err.Error())
		return
	}

	for msg := range ch {
		h.streamFrame(conn, req.ID, msg)
	}
	h.streamEnd(conn, req.ID)
}

func (h *Hub) handleEnqueueMessage(conn *Conn, req envelope) {
	var params struct {
		TopicID       string `json:"topic_id"`
		Text          string `json:"text"`
		CorrelationID string `json:"correlation_id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		h.replyError(conn, req.ID, "malformed params")
		return
	}

	userID := conn.UserID()
	if userID == "" {
		h.replyError(conn, req.ID, apperrors.ErrNotRegistered.Error())
		return
	}

	if err := h.svc.EnqueueMessage(params.TopicID, params.Text, userID, params.CorrelationID); err != nil {
		h.reply(conn, req.ID, false)
		return
	}
	h.reply(conn, req.ID, true)
}

func (h *Hub) handleCancelTopic(conn *Conn, req envelope) {
	var params struct {
		TopicID string `json:"topic_id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		h.replyError(conn, req.ID, "malformed params")
		return
	}

	h.svc.CancelTopic(context.Background(), params.TopicID, conn.UserID())
	h.reply(conn, req.ID, true)
}

func (h *Hub) handleDeleteTopic(conn *Conn, req envelope) {
	var params struct {
		AgentID  string `json:"agent_id"`
		TopicID  string `json:"topic_id"`
		ChatID   int64  `json:"chat_id"`
		ThreadID int64  `json:"thread_id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		h.replyError(conn, req.ID, "malformed params")
		return
	}

	if err := h.svc.DeleteTopic(context.Background(), params.AgentID, params.ChatID, params.ThreadID, params.TopicID); err != nil {
		h.replyError(conn, req.ID, err.Error())
		return
	}
	h.reply(conn, req.ID, true)
}

func (h *Hub) handleSaveTopic(conn *Conn, req envelope) {
	var params struct {
		Topic history.Topic `json:"topic"`
		IsNew bool          `json:"is_new"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		h.replyError(conn, req.ID, "malformed params")
		return
	}

	if err := h.svc.SaveTopic(context.Background(), params.Topic); err != nil {
		h.replyError(conn, req.ID, err.Error())
		return
	}
	h.reply(conn, req.ID, true)
}

func (h *Hub) handleRespondToApproval(conn *Conn, req envelope) {
	var params struct {
		ApprovalID string `json:"approval_id"`
		Result     string `json:"result"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		h.replyError(conn, req.ID, "malformed params")
		return
	}

	result := streaming.ApprovalResult(params.Result)
	if result != streaming.Approved && result != streaming.Rejected {
		h.replyError(conn, req.ID, "result must be approved or rejected")
		return
	}

	if err := h.svc.RespondApproval(params.ApprovalID, result); err != nil {
		h.reply(conn, req.ID, false)
		return
	}
	h.reply(conn, req.ID, true)
}

func (h *Hub) handleIsApprovalPending(conn *Conn, req envelope) {
	var params struct {
		ApprovalID string `json:"approval_id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		h.replyError(conn, req.ID, "malformed params")
		return
	}
	h.reply(conn, req.ID, h.svc.IsApprovalPending(params.ApprovalID))
}

func (h *Hub) handleGetPendingApproval(conn *Conn, req envelope) {
	var params struct {
		TopicID string `json:"topic_id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		h.replyError(conn, req.ID, "malformed params")
		return
	}
	h.reply(conn, req.ID, h.svc.GetPendingApproval(params.TopicID))
}
