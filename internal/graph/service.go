// Package graph is the connection graph engine: connection requests, the
// canonical connection relation and the degree, mutual and suggestion
// queries built on it.
package graph

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"linkup/internal/apperrors"
	"linkup/internal/models"
	"linkup/internal/observability"
)

// Store is the persistence the engine needs. Implemented by db.DB.
type Store interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	ListUsersExcluding(ctx context.Context, exclude []string, limit int) ([]models.UserSummary, error)

	CreateRequest(ctx context.Context, req *models.ConnectionRequest) error
	GetRequest(ctx context.Context, id string) (*models.ConnectionRequest, error)
	ListPendingRequests(ctx context.Context, userID string, incoming bool) ([]models.ConnectionRequest, error)
	PendingCounterparts(ctx context.Context, userID string) ([]string, error)
	RespondToRequest(ctx context.Context, id string, status models.RequestStatus, at time.Time) error
	AcceptRequest(ctx context.Context, req *models.ConnectionRequest, at time.Time) (*models.Connection, error)

	GetConnection(ctx context.Context, id string) (*models.Connection, error)
	DeactivateConnection(ctx context.Context, conn *models.Connection, at time.Time) error
	IsConnected(ctx context.Context, a, b string) (bool, error)
	NeighborIDs(ctx context.Context, userID string) ([]string, error)
	ListNeighbors(ctx context.Context, userID string) ([]models.Neighbor, error)
	CountConnectedTo(ctx context.Context, target string, candidates []string) (int, error)
	SecondDegreeSuggestions(ctx context.Context, userID string, limit int) ([]models.Suggestion, error)
}

// Notifier receives fire-and-forget notifications. Implementations must not
// block the caller.
type Notifier interface {
	Notify(recipientID, actorID string, payload models.NotificationPayload)
}

// Degree classifications.
const (
	DegreeSelf   = 0
	DegreeFirst  = 1
	DegreeSecond = 2
	DegreeThird  = 3
)

const maxMessageLength = 300

type Service struct {
	store    Store
	notifier Notifier
	metrics  *observability.Collector
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

func NewService(store Store, notifier Notifier, metrics *observability.Collector, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger.Named("graph"),
		tracer:   otel.Tracer("linkup/graph"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "graph."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// SendRequest creates a pending request from sender to receiver.
func (s *Service) SendRequest(ctx context.Context, senderID, receiverID, message string) (req *models.ConnectionRequest, err error) {
	ctx, span := s.span(ctx, "SendRequest",
		attribute.String("sender.id", senderID), attribute.String("receiver.id", receiverID))
	defer func() { endSpan(span, err) }()

	if senderID == receiverID {
		return nil, apperrors.SelfReference("cannot send a connection request to yourself")
	}
	message = strings.TrimSpace(message)
	if len([]rune(message)) > maxMessageLength {
		return nil, apperrors.Validation("message must be at most 300 characters")
	}

	if _, err := s.store.GetUserByID(ctx, receiverID); err != nil {
		return nil, err
	}

	connected, err := s.store.IsConnected(ctx, senderID, receiverID)
	if err != nil {
		return nil, err
	}
	if connected {
		return nil, apperrors.AlreadyConnected()
	}

	req = &models.ConnectionRequest{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Message:    message,
		CreatedAt:  s.now(),
	}
	if err := s.store.CreateRequest(ctx, req); err != nil {
		if apperrors.KindOf(err) == apperrors.KindDuplicateRequest {
			s.metrics.RecordConnectionRequest("duplicate")
		}
		return nil, err
	}

	s.metrics.RecordConnectionRequest("sent")
	s.logger.Debug("Connection request sent",
		zap.String("request_id", req.ID), zap.String("sender_id", senderID), zap.String("receiver_id", receiverID))

	s.notifier.Notify(receiverID, senderID, models.ConnectionRequestPayload{RequestID: req.ID, Message: message})
	return req, nil
}

// AcceptRequest lets the receiver accept a pending request, creating or
// reactivating the pair's connection.
func (s *Service) AcceptRequest(ctx context.Context, requestID, actingUserID string) (conn *models.Connection, err error) {
	ctx, span := s.span(ctx, "AcceptRequest",
		attribute.String("request.id", requestID), attribute.String("user.id", actingUserID))
	defer func() { endSpan(span, err) }()

	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.ReceiverID != actingUserID {
		return nil, apperrors.Authorization("only the receiver can accept this request")
	}
	if req.Status != models.RequestPending {
		return nil, apperrors.InvalidState("connection request is no longer pending")
	}

	conn, err = s.store.AcceptRequest(ctx, req, s.now())
	if err != nil {
		return nil, err
	}

	s.metrics.RecordConnectionRequest("accepted")
	s.logger.Info("Connection request accepted",
		zap.String("request_id", req.ID), zap.String("connection_id", conn.ID))

	s.notifier.Notify(req.SenderID, req.ReceiverID, models.ConnectionAcceptedPayload{ConnectionID: conn.ID})
	return conn, nil
}

// IgnoreRequest lets the receiver decline a pending request.
func (s *Service) IgnoreRequest(ctx context.Context, requestID, actingUserID string) error {
	return s.respond(ctx, requestID, actingUserID, models.RequestIgnored)
}

// WithdrawRequest lets the sender take back a pending request.
func (s *Service) WithdrawRequest(ctx context.Context, requestID, actingUserID string) error {
	return s.respond(ctx, requestID, actingUserID, models.RequestWithdrawn)
}

func (s *Service) respond(ctx context.Context, requestID, actingUserID string, status models.RequestStatus) (err error) {
	ctx, span := s.span(ctx, "RespondToRequest",
		attribute.String("request.id", requestID), attribute.String("status", string(status)))
	defer func() { endSpan(span, err) }()

	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}

	switch status {
	case models.RequestIgnored:
		if req.ReceiverID != actingUserID {
			return apperrors.Authorization("only the receiver can ignore this request")
		}
	case models.RequestWithdrawn:
		if req.SenderID != actingUserID {
			return apperrors.Authorization("only the sender can withdraw this request")
		}
	}
	if req.Status != models.RequestPending {
		return apperrors.InvalidState("connection request is no longer pending")
	}

	if err := s.store.RespondToRequest(ctx, requestID, status, s.now()); err != nil {
		return err
	}
	s.metrics.RecordConnectionRequest(string(status))
	return nil
}

// RemoveConnection deactivates a connection. Either party may remove it.
func (s *Service) RemoveConnection(ctx context.Context, connectionID, actingUserID string) (err error) {
	ctx, span := s.span(ctx, "RemoveConnection",
		attribute.String("connection.id", connectionID), attribute.String("user.id", actingUserID))
	defer func() { endSpan(span, err) }()

	conn, err := s.store.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	if !conn.Involves(actingUserID) {
		return apperrors.Authorization("only a party to the connection can remove it")
	}
	if !conn.Active {
		return apperrors.InvalidState("connection is not active")
	}

	if err := s.store.DeactivateConnection(ctx, conn, s.now()); err != nil {
		return err
	}
	s.metrics.RecordConnectionRequest("removed")
	s.logger.Info("Connection removed",
		zap.String("connection_id", conn.ID), zap.String("removed_by", actingUserID))
	return nil
}

// IsConnected reports whether a and b hold an active connection.
func (s *Service) IsConnected(ctx context.Context, a, b string) (bool, error) {
	if a == b {
		return false, nil
	}
	return s.store.IsConnected(ctx, a, b)
}

// GetDegree classifies the distance from a to b: 0 for the same user, 1 for
// a direct connection, 2 when some connection of a is connected to b and 3
// otherwise. The search never goes beyond two hops and is never cached.
func (s *Service) GetDegree(ctx context.Context, a, b string) (degree int, err error) {
	ctx, span := s.span(ctx, "GetDegree", attribute.String("from", a), attribute.String("to", b))
	start := time.Now()
	defer func() {
		if err == nil {
			span.SetAttributes(attribute.Int("degree", degree))
			s.metrics.RecordDegree(degree, time.Since(start))
		}
		endSpan(span, err)
	}()

	if a == b {
		return DegreeSelf, nil
	}

	connected, err := s.store.IsConnected(ctx, a, b)
	if err != nil {
		return 0, err
	}
	if connected {
		return DegreeFirst, nil
	}

	neighbors, err := s.store.NeighborIDs(ctx, a)
	if err != nil {
		return 0, err
	}
	if len(neighbors) == 0 {
		return DegreeThird, nil
	}

	n, err := s.store.CountConnectedTo(ctx, b, neighbors)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		return DegreeSecond, nil
	}
	return DegreeThird, nil
}

// GetMutualConnections returns users connected to both a and b, ordered by
// the later of the two connection times, newest first, then by id.
func (s *Service) GetMutualConnections(ctx context.Context, a, b string, limit int) (mutuals []models.UserSummary, err error) {
	ctx, span := s.span(ctx, "GetMutualConnections", attribute.String("a", a), attribute.String("b", b))
	defer func() { endSpan(span, err) }()

	if limit <= 0 {
		return []models.UserSummary{}, nil
	}

	fromA, err := s.store.ListNeighbors(ctx, a)
	if err != nil {
		return nil, err
	}
	fromB, err := s.store.ListNeighbors(ctx, b)
	if err != nil {
		return nil, err
	}

	since := make(map[string]time.Time, len(fromB))
	for _, n := range fromB {
		since[n.User.ID] = n.ConnectedAt
	}

	type mutual struct {
		user   models.UserSummary
		recent time.Time
	}
	var shared []mutual
	for _, n := range fromA {
		other, ok := since[n.User.ID]
		if !ok || n.User.ID == a || n.User.ID == b {
			continue
		}
		recent := n.ConnectedAt
		if other.After(recent) {
			recent = other
		}
		shared = append(shared, mutual{user: n.User, recent: recent})
	}

	sort.Slice(shared, func(i, j int) bool {
		if !shared[i].recent.Equal(shared[j].recent) {
			return shared[i].recent.After(shared[j].recent)
		}
		return shared[i].user.ID < shared[j].user.ID
	})

	if len(shared) > limit {
		shared = shared[:limit]
	}
	mutuals = make([]models.UserSummary, len(shared))
	for i, m := range shared {
		mutuals[i] = m.user
	}
	return mutuals, nil
}

// GetSuggestions ranks 2nd-degree users by mutual connection count and pads
// the result with the newest other users. Nobody already connected, with a
// pending request either way, or the user themselves is suggested.
func (s *Service) GetSuggestions(ctx context.Context, userID string, limit int) (suggestions []models.Suggestion, err error) {
	ctx, span := s.span(ctx, "GetSuggestions", attribute.String("user.id", userID))
	defer func() { endSpan(span, err) }()

	if limit <= 0 {
		return []models.Suggestion{}, nil
	}

	suggestions, err = s.store.SecondDegreeSuggestions(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	if len(suggestions) >= limit {
		return suggestions, nil
	}

	neighbors, err := s.store.NeighborIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	pending, err := s.store.PendingCounterparts(ctx, userID)
	if err != nil {
		return nil, err
	}

	exclude := make([]string, 0, 1+len(neighbors)+len(pending)+len(suggestions))
	exclude = append(exclude, userID)
	exclude = append(exclude, neighbors...)
	exclude = append(exclude, pending...)
	for _, sg := range suggestions {
		exclude = append(exclude, sg.User.ID)
	}

	padding, err := s.store.ListUsersExcluding(ctx, exclude, limit-len(suggestions))
	if err != nil {
		return nil, err
	}
	for _, u := range padding {
		suggestions = append(suggestions, models.Suggestion{User: u})
	}
	if suggestions == nil {
		suggestions = []models.Suggestion{}
	}
	return suggestions, nil
}

// GetUserConnections lists userID's active connections, newest first.
func (s *Service) GetUserConnections(ctx context.Context, userID string) ([]models.Neighbor, error) {
	ctx, span := s.span(ctx, "GetUserConnections", attribute.String("user.id", userID))
	defer span.End()

	neighbors, err := s.store.ListNeighbors(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if neighbors == nil {
		neighbors = []models.Neighbor{}
	}
	return neighbors, nil
}

// ListRequests returns userID's pending incoming or outgoing requests.
func (s *Service) ListRequests(ctx context.Context, userID string, incoming bool) ([]models.ConnectionRequest, error) {
	requests, err := s.store.ListPendingRequests(ctx, userID, incoming)
	if err != nil {
		return nil, err
	}
	if requests == nil {
		requests = []models.ConnectionRequest{}
	}
	return requests, nil
}
