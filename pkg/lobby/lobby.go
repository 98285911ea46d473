package lobby

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/bastionmp/bastion/pkg/access"
	"github.com/bastionmp/bastion/pkg/log"
	"github.com/bastionmp/bastion/pkg/protocol"
	"github.com/bastionmp/bastion/pkg/session"
	"github.com/bastionmp/bastion/pkg/spawn"
	"github.com/bastionmp/bastion/pkg/types"
)

// Start modes, selected by the "start-mode" control.
const (
	// StartModeMaster restricts starting to an explicit command from the
	// lobby master, once every member is ready.
	StartModeMaster = "master"
	// StartModeAuto starts the game as soon as every member is ready and
	// every team satisfies its minimum size.
	StartModeAuto = "auto"
)

// Well-known control keys.
const (
	ControlMap       = "map"
	ControlStartMode = "start-mode"
	ControlRegion    = "region"
	ControlGameID    = "game-id"
	ControlLateJoin  = "allow-late-join"
)

// Control is a lobby-wide option with an optional allowed value set. An
// empty Allowed list accepts any value.
type Control struct {
	Value   string
	Allowed []string
}

func (c Control) permits(value string) bool {
	if len(c.Allowed) == 0 {
		return true
	}
	for _, v := range c.Allowed {
		if v == value {
			return true
		}
	}
	return false
}

// Team groups members with a bounded size.
type Team struct {
	Name       string
	MinPlayers int32
	MaxPlayers int32
	Properties map[string]string
}

// Member is one joined session.
type Member struct {
	sess     *session.Session
	Username string
	TeamName string
	Ready    bool
	props    map[string]string
}

// Config describes a lobby at creation time.
type Config struct {
	Name      string
	Type      string
	StartMode string
	Teams     []Team
	Controls  map[string]Control
	// StartTimeout bounds game provisioning when the lobby starts.
	StartTimeout time.Duration
}

// Lobby is one pre-game grouping of players. All state is guarded by one
// mutex; every mutation broadcasts to members in join order while the
// mutation is still holding the lock, which gives each member the same
// notification order the changes were applied in.
type Lobby struct {
	ID   string
	Name string
	Type string

	starter *spawn.Service
	granter *access.Module

	mu         sync.Mutex
	state      types.LobbyState
	startMode  string
	teams      []*Team
	members    []*Member // join order
	masterName string
	props      map[string]string
	controls   map[string]Control
	starting   bool
	gameID     int32

	startTimeout time.Duration
	onClosed     func(*Lobby)
}

// New builds a lobby in Preparation.
func New(id string, cfg Config, starter *spawn.Service, granter *access.Module, onClosed func(*Lobby)) *Lobby {
	startMode := cfg.StartMode
	if startMode != StartModeAuto {
		startMode = StartModeMaster
	}
	startTimeout := cfg.StartTimeout
	if startTimeout <= 0 {
		startTimeout = 2 * time.Minute
	}
	teams := make([]*Team, 0, len(cfg.Teams))
	for i := range cfg.Teams {
		t := cfg.Teams[i]
		if t.Properties == nil {
			t.Properties = make(map[string]string)
		}
		teams = append(teams, &t)
	}
	controls := make(map[string]Control, len(cfg.Controls))
	for k, v := range cfg.Controls {
		controls[k] = v
	}
	return &Lobby{
		ID:           id,
		Name:         cfg.Name,
		Type:         cfg.Type,
		starter:      starter,
		granter:      granter,
		state:        types.LobbyPreparation,
		startMode:    startMode,
		teams:        teams,
		props:        make(map[string]string),
		controls:     controls,
		startTimeout: startTimeout,
		onClosed:     onClosed,
	}
}

// State returns the lobby state.
func (l *Lobby) State() types.LobbyState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// MasterName returns the current lobby master's username.
func (l *Lobby) MasterName() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.masterName
}

// GameID returns the game the lobby started, once in progress.
func (l *Lobby) GameID() int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gameID
}

// MemberCount returns the number of joined members.
func (l *Lobby) MemberCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.members)
}

// MemberTeam returns the team a member was assigned to.
func (l *Lobby) MemberTeam(username string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.findLocked(username)
	if m == nil {
		return "", false
	}
	return m.TeamName, true
}

// IsReady returns a member's readiness.
func (l *Lobby) IsReady(username string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.findLocked(username)
	return m != nil && m.Ready
}

func (l *Lobby) findLocked(username string) *Member {
	for _, m := range l.members {
		if m.Username == username {
			return m
		}
	}
	return nil
}

func (l *Lobby) teamLocked(name string) *Team {
	for _, t := range l.teams {
		if t.Name == name {
			return t
		}
	}
	return nil
}

func (l *Lobby) teamSizeLocked(name string) int32 {
	var n int32
	for _, m := range l.members {
		if m.TeamName == name {
			n++
		}
	}
	return n
}

// broadcastLocked notifies every member in join order. Caller holds l.mu,
// which is what serializes broadcasts into application order.
func (l *Lobby) broadcastLocked(op protocol.OpCode, entries map[string]string) {
	entries["lobby_id"] = l.ID
	payload := protocol.Marshal(&protocol.DictPacket{Entries: entries})
	for _, m := range l.members {
		_ = m.sess.Peer().Notify(op, payload)
	}
}

// Join adds a session to the lobby, assigning a team explicitly or
// automatically, and elects the first joiner as lobby master.
func (l *Lobby) Join(sess *session.Session, teamName string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case types.LobbyClosed:
		return fmt.Errorf("%w: lobby is closed", protocol.ErrNotFound)
	case types.LobbyGameInProgress:
		if l.controls[ControlLateJoin].Value != "true" {
			return fmt.Errorf("%w: game already in progress", protocol.ErrCapacity)
		}
	}
	username := sess.Username()
	if l.findLocked(username) != nil {
		return fmt.Errorf("%w: %q already joined", protocol.ErrProtocol, username)
	}

	var team *Team
	if teamName != "" {
		team = l.teamLocked(teamName)
		if team == nil {
			return fmt.Errorf("%w: team %q", protocol.ErrNotFound, teamName)
		}
		if l.teamSizeLocked(team.Name) >= team.MaxPlayers {
			return fmt.Errorf("%w: team %q is full", protocol.ErrCapacity, teamName)
		}
	} else {
		// Automatic assignment: emptiest team with a free slot.
		var bestFree int32 = -1
		for _, t := range l.teams {
			free := t.MaxPlayers - l.teamSizeLocked(t.Name)
			if free > bestFree {
				team, bestFree = t, free
			}
		}
		if team == nil || bestFree <= 0 {
			return fmt.Errorf("%w: no team has a free slot", protocol.ErrCapacity)
		}
	}

	m := &Member{
		sess:     sess,
		Username: username,
		TeamName: team.Name,
		props:    make(map[string]string),
	}
	l.members = append(l.members, m)
	l.broadcastLocked(protocol.OpLobbyMemberJoined, map[string]string{
		"username": username,
		"team":     team.Name,
	})
	if l.masterName == "" {
		l.masterName = username
		l.broadcastLocked(protocol.OpLobbyMasterChange, map[string]string{"username": username})
	}
	return nil
}

// Leave removes a member, reassigns the master role to the earliest-joined
// remaining member if needed, and closes the lobby when it empties.
func (l *Lobby) Leave(sess *session.Session) {
	username := sess.Username()

	l.mu.Lock()
	idx := -1
	for i, m := range l.members {
		if m.Username == username {
			idx = i
			break
		}
	}
	if idx < 0 {
		l.mu.Unlock()
		return
	}
	l.members = append(l.members[:idx], l.members[idx+1:]...)
	l.broadcastLocked(protocol.OpLobbyMemberLeft, map[string]string{"username": username})

	if l.masterName == username {
		if len(l.members) > 0 {
			// Deterministic reassignment: earliest-joined remaining member.
			l.masterName = l.members[0].Username
			l.broadcastLocked(protocol.OpLobbyMasterChange, map[string]string{"username": l.masterName})
		} else {
			l.masterName = ""
		}
	}

	closed := false
	if len(l.members) == 0 && l.state != types.LobbyClosed {
		l.state = types.LobbyClosed
		closed = true
	}
	l.mu.Unlock()

	if closed && l.onClosed != nil {
		l.onClosed(l)
	}
}

// SetReady toggles a member's readiness. In auto start mode the lobby
// starts itself once everyone required is ready.
func (l *Lobby) SetReady(sess *session.Session, ready bool) error {
	l.mu.Lock()
	m := l.findLocked(sess.Username())
	if m == nil {
		l.mu.Unlock()
		return fmt.Errorf("%w: not a lobby member", protocol.ErrNotFound)
	}
	m.Ready = ready
	l.broadcastLocked(protocol.OpLobbyMemberPropertySet, map[string]string{
		"username": m.Username,
		"key":      "ready",
		"value":    strconv.FormatBool(ready),
	})
	autoStart := l.startMode == StartModeAuto &&
		l.state == types.LobbyPreparation &&
		!l.starting &&
		l.startEligibleLocked()
	if autoStart {
		l.starting = true
	}
	l.mu.Unlock()

	if autoStart {
		go l.provision()
	}
	return nil
}

// startEligibleLocked reports whether the lobby may start: every member
// ready and every team at or above its minimum.
func (l *Lobby) startEligibleLocked() bool {
	if len(l.members) == 0 {
		return false
	}
	for _, m := range l.members {
		if !m.Ready {
			return false
		}
	}
	for _, t := range l.teams {
		if l.teamSizeLocked(t.Name) < t.MinPlayers {
			return false
		}
	}
	return true
}

// StartGame begins the transition to a running game. In master start mode
// only the lobby master may call it. On provisioning failure the lobby
// stays in Preparation and the error is reported to every member.
func (l *Lobby) StartGame(sess *session.Session) error {
	l.mu.Lock()
	if l.state != types.LobbyPreparation {
		l.mu.Unlock()
		return fmt.Errorf("%w: lobby is not preparing", protocol.ErrProtocol)
	}
	if l.starting {
		l.mu.Unlock()
		return fmt.Errorf("%w: start already in progress", protocol.ErrProtocol)
	}
	if l.startMode == StartModeMaster && sess.Username() != l.masterName {
		l.mu.Unlock()
		return fmt.Errorf("%w: only the lobby master may start the game", protocol.ErrUnauthorized)
	}
	if !l.startEligibleLocked() {
		l.mu.Unlock()
		return fmt.Errorf("%w: not all members are ready", protocol.ErrRemoteFailure)
	}
	l.starting = true
	l.mu.Unlock()

	return l.provision()
}

// provision claims or spawns the game server, then transitions to
// GameInProgress and hands every ready member an access grant.
func (l *Lobby) provision() error {
	gameID, err := l.resolveGameID()
	if err != nil {
		l.reportStartFailure(err)
		return err
	}

	l.mu.Lock()
	l.state = types.LobbyGameInProgress
	l.gameID = gameID
	l.starting = false
	l.broadcastLocked(protocol.OpLobbyStateChange, map[string]string{
		"state":   l.state.String(),
		"game_id": strconv.FormatInt(int64(gameID), 10),
	})
	ready := make([]*Member, 0, len(l.members))
	for _, m := range l.members {
		if m.Ready {
			ready = append(ready, m)
		}
	}
	l.mu.Unlock()

	logger := log.WithLobbyID(l.ID)
	for _, m := range ready {
		grant, err := l.granter.RequestAccess(m.sess, gameID, "")
		if err != nil {
			logger.Warn().Err(err).Str("username", m.Username).Msg("Failed to grant lobby member access")
			continue
		}
		_ = m.sess.Peer().Notify(protocol.OpAccessRequest, protocol.Marshal(grant))
	}
	return nil
}

// resolveGameID claims the configured server or spawns a fresh one.
func (l *Lobby) resolveGameID() (int32, error) {
	l.mu.Lock()
	claim := l.controls[ControlGameID].Value
	settings := protocol.SpawnSettings{
		SceneName:  l.controls[ControlMap].Value,
		Region:     l.controls[ControlRegion].Value,
		Properties: map[string]string{"lobby_id": l.ID, "lobby_name": l.Name},
	}
	l.mu.Unlock()

	if claim != "" {
		id, err := strconv.ParseInt(claim, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("%w: bad %s control: %v", protocol.ErrProtocol, ControlGameID, err)
		}
		// A stale claim must fail the start, not strand the lobby on a
		// server that is gone or never opened.
		if err := l.granter.VerifyGame(int32(id)); err != nil {
			return 0, err
		}
		return int32(id), nil
	}

	req := l.starter.Spawn(settings)
	done := make(chan types.SpawnStatus, 1)
	reasonCh := make(chan string, 1)
	cancel := req.Subscribe(func(status types.SpawnStatus, reason string) {
		if status.Terminal() {
			select {
			case done <- status:
				reasonCh <- reason
			default:
			}
		}
	})
	defer cancel()

	select {
	case status := <-done:
		reason := <-reasonCh
		if status != types.SpawnOpen {
			return 0, fmt.Errorf("%w: spawn %s: %s", protocol.ErrRemoteFailure, status, reason)
		}
		return req.GameID(), nil
	case <-time.After(l.startTimeout):
		// Tear the spawn down rather than leaving it to open unobserved.
		_ = l.starter.Abort(req.ID)
		return 0, fmt.Errorf("%w: game server was not ready in time", protocol.ErrTimeout)
	}
}

func (l *Lobby) reportStartFailure(cause error) {
	logger := log.WithLobbyID(l.ID)
	logger.Warn().Err(cause).Msg("Lobby start failed")
	l.mu.Lock()
	l.starting = false
	l.broadcastLocked(protocol.OpLobbyStateChange, map[string]string{
		"state": l.state.String(),
		"error": cause.Error(),
	})
	l.mu.Unlock()
}

// SetProperty mutates a lobby-wide property or control. Only the lobby
// master may change shared state; control values must come from the
// control's allowed set.
func (l *Lobby) SetProperty(sess *session.Session, key, value string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sess.Username() != l.masterName {
		return fmt.Errorf("%w: only the lobby master may set lobby properties", protocol.ErrUnauthorized)
	}
	if ctrl, isControl := l.controls[key]; isControl {
		if !ctrl.permits(value) {
			return fmt.Errorf("%w: %q is not an allowed value for %s", protocol.ErrProtocol, value, key)
		}
		ctrl.Value = value
		l.controls[key] = ctrl
	} else {
		l.props[key] = value
	}
	l.broadcastLocked(protocol.OpLobbyPropertySet, map[string]string{
		"key":   key,
		"value": value,
	})
	return nil
}

// SetMemberProperty mutates the caller's own member property bag.
func (l *Lobby) SetMemberProperty(sess *session.Session, key, value string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.findLocked(sess.Username())
	if m == nil {
		return fmt.Errorf("%w: not a lobby member", protocol.ErrNotFound)
	}
	m.props[key] = value
	l.broadcastLocked(protocol.OpLobbyMemberPropertySet, map[string]string{
		"username": m.Username,
		"key":      key,
		"value":    value,
	})
	return nil
}

// Chat broadcasts a sender-stamped text message to every member.
func (l *Lobby) Chat(sess *session.Session, text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.findLocked(sess.Username()) == nil {
		return fmt.Errorf("%w: not a lobby member", protocol.ErrNotFound)
	}
	l.broadcastLocked(protocol.OpLobbyChatMessage, map[string]string{
		"from": sess.Username(),
		"text": text,
	})
	return nil
}
