package protocol

import "fmt"

// Packet is a structured payload that round-trips through the compact binary
// codec. Write order and read order must match field for field.
type Packet interface {
	EncodeTo(w *Writer)
	DecodeFrom(r *Reader) error
}

// Marshal serializes a packet to payload bytes.
func Marshal(p Packet) []byte {
	w := NewWriter()
	p.EncodeTo(w)
	return w.Bytes()
}

// Unmarshal parses payload bytes into the packet.
func Unmarshal(data []byte, p Packet) error {
	return p.DecodeFrom(NewReader(data))
}

// CredentialsPacket carries a login or registration attempt. Guest logins
// carry no password and an advisory display name in Username.
type CredentialsPacket struct {
	Username string
	Password string
	Guest    bool
}

func (p *CredentialsPacket) EncodeTo(w *Writer) {
	w.WriteString(p.Username)
	w.WriteString(p.Password)
	w.WriteBool(p.Guest)
}

func (p *CredentialsPacket) DecodeFrom(r *Reader) error {
	var err error
	if p.Username, err = r.ReadString(); err != nil {
		return err
	}
	if p.Password, err = r.ReadString(); err != nil {
		return err
	}
	if p.Guest, err = r.ReadBool(); err != nil {
		return err
	}
	return nil
}

// AccessRequestPacket asks the master for one-time access to a game server.
type AccessRequestPacket struct {
	GameID   int32
	Password string
}

func (p *AccessRequestPacket) EncodeTo(w *Writer) {
	w.WriteInt32(p.GameID)
	w.WriteString(p.Password)
}

func (p *AccessRequestPacket) DecodeFrom(r *Reader) error {
	var err error
	if p.GameID, err = r.ReadInt32(); err != nil {
		return err
	}
	if p.Password, err = r.ReadString(); err != nil {
		return err
	}
	return nil
}

// GameAccessPacket is the grant a client redeems against a game server:
// a single-use token plus the address to present it at.
type GameAccessPacket struct {
	Token      string
	Address    string
	GameID     int32
	SceneName  string
	Properties map[string]string
}

func (p *GameAccessPacket) EncodeTo(w *Writer) {
	w.WriteString(p.Token)
	w.WriteString(p.Address)
	w.WriteInt32(p.GameID)
	w.WriteString(p.SceneName)
	w.WriteDict(p.Properties)
}

func (p *GameAccessPacket) DecodeFrom(r *Reader) error {
	var err error
	if p.Token, err = r.ReadString(); err != nil {
		return err
	}
	if p.Address, err = r.ReadString(); err != nil {
		return err
	}
	if p.GameID, err = r.ReadInt32(); err != nil {
		return err
	}
	if p.SceneName, err = r.ReadString(); err != nil {
		return err
	}
	if p.Properties, err = r.ReadDict(); err != nil {
		return err
	}
	return nil
}

// RegisterGameServerPacket announces a game-server process to the master.
// SpawnID is empty for externally managed servers; spawned processes must
// echo the spawn id they were launched with.
type RegisterGameServerPacket struct {
	SpawnID               string
	Name                  string
	Address               string
	Password              string
	MaxPlayers            int32
	AccessTokenTTLSeconds int32
	Properties            map[string]string
}

func (p *RegisterGameServerPacket) EncodeTo(w *Writer) {
	w.WriteString(p.SpawnID)
	w.WriteString(p.Name)
	w.WriteString(p.Address)
	w.WriteString(p.Password)
	w.WriteInt32(p.MaxPlayers)
	w.WriteInt32(p.AccessTokenTTLSeconds)
	w.WriteDict(p.Properties)
}

func (p *RegisterGameServerPacket) DecodeFrom(r *Reader) error {
	var err error
	if p.SpawnID, err = r.ReadString(); err != nil {
		return err
	}
	if p.Name, err = r.ReadString(); err != nil {
		return err
	}
	if p.Address, err = r.ReadString(); err != nil {
		return err
	}
	if p.Password, err = r.ReadString(); err != nil {
		return err
	}
	if p.MaxPlayers, err = r.ReadInt32(); err != nil {
		return err
	}
	if p.AccessTokenTTLSeconds, err = r.ReadInt32(); err != nil {
		return err
	}
	if p.Properties, err = r.ReadDict(); err != nil {
		return err
	}
	return nil
}

// GrantRequestPacket is the master's internal access request to a game
// server on behalf of an authenticated session.
type GrantRequestPacket struct {
	Username   string
	Guest      bool
	Properties map[string]string
}

func (p *GrantRequestPacket) EncodeTo(w *Writer) {
	w.WriteString(p.Username)
	w.WriteBool(p.Guest)
	w.WriteDict(p.Properties)
}

func (p *GrantRequestPacket) DecodeFrom(r *Reader) error {
	var err error
	if p.Username, err = r.ReadString(); err != nil {
		return err
	}
	if p.Guest, err = r.ReadBool(); err != nil {
		return err
	}
	if p.Properties, err = r.ReadDict(); err != nil {
		return err
	}
	return nil
}

// RegisterSpawnerPacket announces a spawner process and its capacity.
type RegisterSpawnerPacket struct {
	Region       string
	MaxProcesses int32
	Properties   map[string]string
}

func (p *RegisterSpawnerPacket) EncodeTo(w *Writer) {
	w.WriteString(p.Region)
	w.WriteInt32(p.MaxProcesses)
	w.WriteDict(p.Properties)
}

func (p *RegisterSpawnerPacket) DecodeFrom(r *Reader) error {
	var err error
	if p.Region, err = r.ReadString(); err != nil {
		return err
	}
	if p.MaxProcesses, err = r.ReadInt32(); err != nil {
		return err
	}
	if p.Properties, err = r.ReadDict(); err != nil {
		return err
	}
	return nil
}

// SpawnSettings describes the game-server process a spawn request wants.
type SpawnSettings struct {
	SceneName  string
	Region     string
	Args       []string
	Properties map[string]string
}

func (p *SpawnSettings) EncodeTo(w *Writer) {
	w.WriteString(p.SceneName)
	w.WriteString(p.Region)
	w.WriteStringList(p.Args)
	w.WriteDict(p.Properties)
}

func (p *SpawnSettings) DecodeFrom(r *Reader) error {
	var err error
	if p.SceneName, err = r.ReadString(); err != nil {
		return err
	}
	if p.Region, err = r.ReadString(); err != nil {
		return err
	}
	if p.Args, err = r.ReadStringList(); err != nil {
		return err
	}
	if p.Properties, err = r.ReadDict(); err != nil {
		return err
	}
	return nil
}

// SpawnOrderPacket is the master's directive to a spawner.
type SpawnOrderPacket struct {
	SpawnID  string
	Settings SpawnSettings
}

func (p *SpawnOrderPacket) EncodeTo(w *Writer) {
	w.WriteString(p.SpawnID)
	p.Settings.EncodeTo(w)
}

func (p *SpawnOrderPacket) DecodeFrom(r *Reader) error {
	var err error
	if p.SpawnID, err = r.ReadString(); err != nil {
		return err
	}
	return p.Settings.DecodeFrom(r)
}

// ProcessPacket is a spawner's acknowledgement of a spawn order: the local
// pid of the launched process.
type ProcessPacket struct {
	SpawnID string
	Pid     int32
}

func (p *ProcessPacket) EncodeTo(w *Writer) {
	w.WriteString(p.SpawnID)
	w.WriteInt32(p.Pid)
}

func (p *ProcessPacket) DecodeFrom(r *Reader) error {
	var err error
	if p.SpawnID, err = r.ReadString(); err != nil {
		return err
	}
	if p.Pid, err = r.ReadInt32(); err != nil {
		return err
	}
	return nil
}

// SpawnStatusPacket reports a spawn request transition to its requester.
type SpawnStatusPacket struct {
	SpawnID string
	Status  uint8
	Reason  string
}

func (p *SpawnStatusPacket) EncodeTo(w *Writer) {
	w.WriteString(p.SpawnID)
	w.WriteUint8(p.Status)
	w.WriteString(p.Reason)
}

func (p *SpawnStatusPacket) DecodeFrom(r *Reader) error {
	var err error
	if p.SpawnID, err = r.ReadString(); err != nil {
		return err
	}
	if p.Status, err = r.ReadUint8(); err != nil {
		return err
	}
	if p.Reason, err = r.ReadString(); err != nil {
		return err
	}
	return nil
}

// SpawnerUpdatePacket is a spawner's periodic capacity report.
type SpawnerUpdatePacket struct {
	Running int32
}

func (p *SpawnerUpdatePacket) EncodeTo(w *Writer) {
	w.WriteInt32(p.Running)
}

func (p *SpawnerUpdatePacket) DecodeFrom(r *Reader) error {
	var err error
	p.Running, err = r.ReadInt32()
	return err
}

// GameInfoPacket is one entry of a games-list response.
type GameInfoPacket struct {
	GameID            int32
	Name              string
	Address           string
	PlayerCount       int32
	MaxPlayers        int32
	PasswordProtected bool
	Properties        map[string]string
}

func (p *GameInfoPacket) EncodeTo(w *Writer) {
	w.WriteInt32(p.GameID)
	w.WriteString(p.Name)
	w.WriteString(p.Address)
	w.WriteInt32(p.PlayerCount)
	w.WriteInt32(p.MaxPlayers)
	w.WriteBool(p.PasswordProtected)
	w.WriteDict(p.Properties)
}

func (p *GameInfoPacket) DecodeFrom(r *Reader) error {
	var err error
	if p.GameID, err = r.ReadInt32(); err != nil {
		return err
	}
	if p.Name, err = r.ReadString(); err != nil {
		return err
	}
	if p.Address, err = r.ReadString(); err != nil {
		return err
	}
	if p.PlayerCount, err = r.ReadInt32(); err != nil {
		return err
	}
	if p.MaxPlayers, err = r.ReadInt32(); err != nil {
		return err
	}
	if p.PasswordProtected, err = r.ReadBool(); err != nil {
		return err
	}
	if p.Properties, err = r.ReadDict(); err != nil {
		return err
	}
	return nil
}

// GamesListPacket is the full games-list response.
type GamesListPacket struct {
	Games []GameInfoPacket
}

func (p *GamesListPacket) EncodeTo(w *Writer) {
	w.WriteUint16(uint16(len(p.Games)))
	for i := range p.Games {
		p.Games[i].EncodeTo(w)
	}
}

func (p *GamesListPacket) DecodeFrom(r *Reader) error {
	n, err := r.ReadUint16()
	if err != nil {
		return err
	}
	p.Games = make([]GameInfoPacket, n)
	for i := range p.Games {
		if err := p.Games[i].DecodeFrom(r); err != nil {
			return err
		}
	}
	return nil
}

// PropertyKind tags the value type of a profile property.
type PropertyKind uint8

const (
	PropertyInt PropertyKind = iota
	PropertyFloat
	PropertyString
)

// ProfileEntry is one property of a profile diff or snapshot.
type ProfileEntry struct {
	Key         uint16
	Kind        PropertyKind
	IntValue    int64
	FloatValue  float64
	StringValue string
}

func (p *ProfileEntry) EncodeTo(w *Writer) {
	w.WriteUint16(p.Key)
	w.WriteUint8(uint8(p.Kind))
	switch p.Kind {
	case PropertyInt:
		w.WriteInt64(p.IntValue)
	case PropertyFloat:
		w.WriteFloat64(p.FloatValue)
	case PropertyString:
		w.WriteString(p.StringValue)
	}
}

func (p *ProfileEntry) DecodeFrom(r *Reader) error {
	var err error
	if p.Key, err = r.ReadUint16(); err != nil {
		return err
	}
	kind, err := r.ReadUint8()
	if err != nil {
		return err
	}
	p.Kind = PropertyKind(kind)
	switch p.Kind {
	case PropertyInt:
		p.IntValue, err = r.ReadInt64()
	case PropertyFloat:
		p.FloatValue, err = r.ReadFloat64()
	case PropertyString:
		p.StringValue, err = r.ReadString()
	default:
		return fmt.Errorf("%w: unknown property kind %d", ErrProtocol, kind)
	}
	return err
}

// ProfileDeltaPacket carries a full snapshot or a dirty-only diff of a
// profile, keyed by property key.
type ProfileDeltaPacket struct {
	Username string
	Entries  []ProfileEntry
}

func (p *ProfileDeltaPacket) EncodeTo(w *Writer) {
	w.WriteString(p.Username)
	w.WriteUint16(uint16(len(p.Entries)))
	for i := range p.Entries {
		p.Entries[i].EncodeTo(w)
	}
}

func (p *ProfileDeltaPacket) DecodeFrom(r *Reader) error {
	var err error
	if p.Username, err = r.ReadString(); err != nil {
		return err
	}
	n, err := r.ReadUint16()
	if err != nil {
		return err
	}
	p.Entries = make([]ProfileEntry, n)
	for i := range p.Entries {
		if err := p.Entries[i].DecodeFrom(r); err != nil {
			return err
		}
	}
	return nil
}

// DictPacket is a free-form property dictionary, the payload of lobby
// actions and change notifications.
type DictPacket struct {
	Entries map[string]string
}

func (p *DictPacket) EncodeTo(w *Writer) {
	w.WriteDict(p.Entries)
}

func (p *DictPacket) DecodeFrom(r *Reader) error {
	var err error
	p.Entries, err = r.ReadDict()
	return err
}

// TeamConfigPacket is one team definition in a lobby create request.
type TeamConfigPacket struct {
	Name       string
	MinPlayers int32
	MaxPlayers int32
}

func (p *TeamConfigPacket) EncodeTo(w *Writer) {
	w.WriteString(p.Name)
	w.WriteInt32(p.MinPlayers)
	w.WriteInt32(p.MaxPlayers)
}

func (p *TeamConfigPacket) DecodeFrom(r *Reader) error {
	var err error
	if p.Name, err = r.ReadString(); err != nil {
		return err
	}
	if p.MinPlayers, err = r.ReadInt32(); err != nil {
		return err
	}
	if p.MaxPlayers, err = r.ReadInt32(); err != nil {
		return err
	}
	return nil
}

// LobbyCreatePacket asks the master to create a lobby.
type LobbyCreatePacket struct {
	Name      string
	LobbyType string
	StartMode string
	Teams     []TeamConfigPacket
	Controls  map[string]string
}

func (p *LobbyCreatePacket) EncodeTo(w *Writer) {
	w.WriteString(p.Name)
	w.WriteString(p.LobbyType)
	w.WriteString(p.StartMode)
	w.WriteUint16(uint16(len(p.Teams)))
	for i := range p.Teams {
		p.Teams[i].EncodeTo(w)
	}
	w.WriteDict(p.Controls)
}

func (p *LobbyCreatePacket) DecodeFrom(r *Reader) error {
	var err error
	if p.Name, err = r.ReadString(); err != nil {
		return err
	}
	if p.LobbyType, err = r.ReadString(); err != nil {
		return err
	}
	if p.StartMode, err = r.ReadString(); err != nil {
		return err
	}
	n, err := r.ReadUint16()
	if err != nil {
		return err
	}
	p.Teams = make([]TeamConfigPacket, n)
	for i := range p.Teams {
		if err := p.Teams[i].DecodeFrom(r); err != nil {
			return err
		}
	}
	if p.Controls, err = r.ReadDict(); err != nil {
		return err
	}
	return nil
}

// TokenPacket carries a bare token string, used for redemption and abort ids.
type TokenPacket struct {
	Token string
}

func (p *TokenPacket) EncodeTo(w *Writer) {
	w.WriteString(p.Token)
}

func (p *TokenPacket) DecodeFrom(r *Reader) error {
	var err error
	p.Token, err = r.ReadString()
	return err
}

// ErrorPacket carries the human-readable reason on a failed response.
type ErrorPacket struct {
	Reason string
}

func (p *ErrorPacket) EncodeTo(w *Writer) {
	w.WriteString(p.Reason)
}

func (p *ErrorPacket) DecodeFrom(r *Reader) error {
	var err error
	p.Reason, err = r.ReadString()
	return err
}
