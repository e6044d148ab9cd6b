package bridge

import (
	"context"
	"sort"
	"strings"
	"time"

	"lightfriend/internal/constants"
	appErrors "lightfriend/internal/errors"
	"lightfriend/internal/matrix"
	"lightfriend/internal/metrics"
	"lightfriend/internal/models"
	"lightfriend/internal/privacy"
	"lightfriend/internal/service"
	"lightfriend/internal/tracing"

	"github.com/sirupsen/logrus"
	"github.com/xrash/smetrics"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/id"
)

// maxSuggestions caps the candidate list of an ambiguous exact lookup.
const maxSuggestions = 5

// Resolver enumerates a user's bridged rooms for one platform and ranks
// them against free-text names.
type Resolver struct {
	cache    matrix.ClientCache
	store    ConnectionStore
	registry *Registry
	config   models.ResolverConfig
	logger   *logrus.Logger
}

func NewResolver(cache matrix.ClientCache, store ConnectionStore, registry *Registry, config models.ResolverConfig, logger *logrus.Logger) *Resolver {
	return &Resolver{
		cache:    cache,
		store:    store,
		registry: registry,
		config:   resolverDefaults(config),
		logger:   logger,
	}
}

func resolverDefaults(c models.ResolverConfig) models.ResolverConfig {
	if c.FanOut <= 0 {
		c.FanOut = constants.DefaultResolverFanOut
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = constants.DefaultSimilarityThreshold
	}
	if c.SearchResultLimit <= 0 {
		c.SearchResultLimit = constants.DefaultSearchResultLimit
	}
	if c.RecentRoomCap <= 0 {
		c.RecentRoomCap = constants.DefaultRecentRoomCap
	}
	if c.ActivityEventWindow <= 0 {
		c.ActivityEventWindow = constants.DefaultActivityEventWindow
	}
	if c.HistoryPageSize <= 0 {
		c.HistoryPageSize = constants.DefaultHistoryPageSize
	}
	if c.HistoryPageCap <= 0 {
		c.HistoryPageCap = constants.DefaultHistoryPageCap
	}
	if c.FetchTimeoutSec <= 0 {
		c.FetchTimeoutSec = constants.DefaultFetchTimeoutSec
	}
	return c
}

// roomInfo is a tagged room plus the membership read while tagging it.
type roomInfo struct {
	models.BridgeRoom
	id      id.RoomID
	members map[id.UserID]string
}

// session is a connected client and the platform it is being read for.
type session struct {
	userID string
	client matrix.Client
	self   id.UserID
	spec   *PlatformSpec
}

func (r *Resolver) fetchTimeout() time.Duration {
	return time.Duration(r.config.FetchTimeoutSec) * time.Second
}

// connect gates access on a connected BridgeConnection and returns the
// user's shared client.
func (r *Resolver) connect(ctx context.Context, userID string, platform models.Platform) (*session, error) {
	spec, err := r.registry.Spec(platform)
	if err != nil {
		return nil, err
	}
	conn, err := r.store.GetConnection(ctx, userID, platform)
	if err != nil {
		return nil, err
	}
	if conn == nil || conn.Status != models.StatusConnected {
		return nil, appErrors.NewNotConnectedError(platform.DisplayName())
	}
	handle, err := r.cache.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &session{
		userID: userID,
		client: handle.Client,
		self:   handle.Client.UserID(),
		spec:   spec,
	}, nil
}

// rooms inspects every joined room concurrently and keeps the ones tagged
// for the session's platform. A room that cannot be inspected is skipped.
func (r *Resolver) rooms(ctx context.Context, s *session) ([]roomInfo, error) {
	ctx, span := tracing.StartSpan(ctx, "bridge.enumerate_rooms", tracing.AttrPlatform.String(string(s.spec.Platform)))
	start := time.Now()

	joined, err := s.client.JoinedRooms(ctx)
	if err != nil {
		tracing.EndSpan(span, err)
		return nil, err
	}

	managed := make(map[id.RoomID]bool)
	if conns, err := r.store.ListConnections(ctx, s.userID); err == nil {
		for _, c := range conns {
			if c.RoomID != "" {
				managed[id.RoomID(c.RoomID)] = true
			}
		}
	}

	results := make([]*roomInfo, len(joined))
	var g errgroup.Group
	g.SetLimit(r.config.FanOut)
	for i, roomID := range joined {
		if managed[roomID] {
			continue
		}
		g.Go(func() error {
			results[i] = r.inspect(ctx, s, roomID)
			return nil
		})
	}
	_ = g.Wait()

	rooms := make([]roomInfo, 0, len(results))
	for _, info := range results {
		if info != nil {
			rooms = append(rooms, *info)
		}
	}

	labels := map[string]string{"platform": string(s.spec.Platform)}
	metrics.RecordTimer("resolver_enumerate_duration", time.Since(start), labels, "Room enumeration latency")
	tracing.AddSpanAttributes(ctx, tracing.AttrCount.Int(len(rooms)))
	tracing.EndSpan(span, nil)

	service.LogWithContext(ctx, r.logger, logrus.Fields{
		service.LogFieldUserID:   s.userID,
		service.LogFieldPlatform: s.spec.Platform,
		service.LogFieldCount:    len(rooms),
		service.LogFieldDuration: time.Since(start).Milliseconds(),
	}).Debug("Completed room enumeration")
	return rooms, nil
}

func (r *Resolver) inspect(ctx context.Context, s *session, roomID id.RoomID) *roomInfo {
	ctx, cancel := context.WithTimeout(ctx, r.fetchTimeout())
	defer cancel()

	logger := r.logger.WithFields(logrus.Fields{
		service.LogFieldRoomID:   privacy.MaskMXID(string(roomID)),
		service.LogFieldPlatform: s.spec.Platform,
	})

	members, err := s.client.JoinedMembers(ctx, roomID)
	if err != nil {
		logger.WithError(err).Debug("Skipping room with unreadable members")
		return nil
	}
	if s.spec.IsManagementRoom(members, s.self) {
		return nil
	}

	name, err := s.client.RoomName(ctx, roomID)
	if err != nil || name == "" {
		name = puppetName(s.spec, members)
	}
	if name == "" || !s.spec.OwnsRoom(name, members) {
		return nil
	}

	return &roomInfo{
		BridgeRoom: models.BridgeRoom{
			RoomID:       string(roomID),
			DisplayName:  name,
			CleanName:    s.spec.CleanName(name),
			LastActivity: r.lastActivity(ctx, s, roomID, logger),
		},
		id:      roomID,
		members: members,
	}
}

// puppetName names an unnamed direct chat after its bridged contact.
func puppetName(spec *PlatformSpec, members map[id.UserID]string) string {
	for userID, displayName := range members {
		if spec.IsPuppet(userID) {
			if displayName != "" {
				return displayName
			}
			return matrix.Localpart(userID)
		}
	}
	return ""
}

// lastActivity is the newest puppet-sent timestamp (seconds) in the last
// few events, or 0 when the room cannot be read.
func (r *Resolver) lastActivity(ctx context.Context, s *session, roomID id.RoomID, logger *logrus.Entry) int64 {
	page, err := s.client.Messages(ctx, roomID, "", r.config.ActivityEventWindow)
	if err != nil {
		logger.WithError(err).Debug("Failed to read room activity")
		return 0
	}
	var newest int64
	for _, evt := range page.Events {
		if s.spec.IsPuppet(evt.Sender) && evt.Timestamp > newest {
			newest = evt.Timestamp
		}
	}
	return newest / 1000
}

// Score ranks a cleaned room name against a search term: 2.0 for an
// exact match, 1.0 for a substring, the Jaro-Winkler similarity when it
// reaches threshold, otherwise 0.
func Score(term, cleanName string, threshold float64) float64 {
	t := strings.ToLower(strings.TrimSpace(term))
	n := strings.ToLower(strings.TrimSpace(cleanName))
	if t == "" || n == "" {
		return 0
	}
	if t == n {
		return constants.ExactMatchScore
	}
	if strings.Contains(n, t) {
		return constants.SubstringMatchScore
	}
	if sim := smetrics.JaroWinkler(t, n, 0.7, constants.JaroWinklerPrefix); sim >= threshold {
		return sim
	}
	return 0
}

func (r *Resolver) rank(rooms []roomInfo, term string) []roomInfo {
	ranked := make([]roomInfo, 0, len(rooms))
	for _, room := range rooms {
		if score := Score(term, room.CleanName, r.config.SimilarityThreshold); score > 0 {
			room.Score = score
			ranked = append(ranked, room)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].LastActivity > ranked[j].LastActivity
	})
	return ranked
}

func byActivity(rooms []roomInfo) {
	sort.SliceStable(rooms, func(i, j int) bool {
		return rooms[i].LastActivity > rooms[j].LastActivity
	})
}

func bridgeRooms(rooms []roomInfo) []models.BridgeRoom {
	out := make([]models.BridgeRoom, len(rooms))
	for i, room := range rooms {
		out[i] = room.BridgeRoom
	}
	return out
}

// SearchRooms returns the best-ranked rooms for term, capped at the search limit.
func (r *Resolver) SearchRooms(ctx context.Context, userID string, platform models.Platform, term string) ([]models.BridgeRoom, error) {
	s, err := r.connect(ctx, userID, platform)
	if err != nil {
		return nil, err
	}
	rooms, err := r.rooms(ctx, s)
	if err != nil {
		return nil, err
	}
	ranked := r.rank(rooms, term)
	if len(ranked) > r.config.SearchResultLimit {
		ranked = ranked[:r.config.SearchResultLimit]
	}
	return bridgeRooms(ranked), nil
}

// ResolveRoom returns the single best match for name.
func (r *Resolver) ResolveRoom(ctx context.Context, userID string, platform models.Platform, name string) (models.BridgeRoom, error) {
	s, err := r.connect(ctx, userID, platform)
	if err != nil {
		return models.BridgeRoom{}, err
	}
	info, err := r.resolveBest(ctx, s, name)
	if err != nil {
		return models.BridgeRoom{}, err
	}
	return info.BridgeRoom, nil
}

// ListRooms returns every tagged room, most recently active first.
func (r *Resolver) ListRooms(ctx context.Context, userID string, platform models.Platform) ([]models.BridgeRoom, error) {
	s, err := r.connect(ctx, userID, platform)
	if err != nil {
		return nil, err
	}
	rooms, err := r.rooms(ctx, s)
	if err != nil {
		return nil, err
	}
	byActivity(rooms)
	return bridgeRooms(rooms), nil
}

func (r *Resolver) resolveBest(ctx context.Context, s *session, name string) (*roomInfo, error) {
	rooms, err := r.rooms(ctx, s)
	if err != nil {
		return nil, err
	}
	ranked := r.rank(rooms, name)
	if len(ranked) == 0 {
		return nil, appErrors.NewRoomNotFoundError(s.spec.Platform.DisplayName(), name)
	}
	return &ranked[0], nil
}

// resolveExact matches name case-insensitively against the cleaned or raw
// room name. Near misses come back as an AMBIGUOUS_MATCH carrying suggestions.
func (r *Resolver) resolveExact(ctx context.Context, s *session, name string) (*roomInfo, error) {
	rooms, err := r.rooms(ctx, s)
	if err != nil {
		return nil, err
	}
	target := strings.TrimSpace(name)

	var exact []roomInfo
	for _, room := range rooms {
		if strings.EqualFold(room.CleanName, target) || strings.EqualFold(room.DisplayName, target) {
			exact = append(exact, room)
		}
	}
	if len(exact) > 0 {
		byActivity(exact)
		return &exact[0], nil
	}

	ranked := r.rank(rooms, target)
	if len(ranked) == 0 {
		return nil, appErrors.NewRoomNotFoundError(s.spec.Platform.DisplayName(), name)
	}
	if len(ranked) > maxSuggestions {
		ranked = ranked[:maxSuggestions]
	}
	candidates := make([]string, len(ranked))
	for i, room := range ranked {
		candidates[i] = room.CleanName
	}
	return nil, appErrors.NewAmbiguousMatchError(s.spec.Platform.DisplayName(), name, candidates)
}
