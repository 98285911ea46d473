package auth

import (
	"github.com/bastionmp/bastion/pkg/channel"
	"github.com/bastionmp/bastion/pkg/events"
	"github.com/bastionmp/bastion/pkg/log"
	"github.com/bastionmp/bastion/pkg/protocol"
	"github.com/bastionmp/bastion/pkg/registry"
	"github.com/bastionmp/bastion/pkg/session"
)

// ModuleName is the registry name other modules depend on.
const ModuleName = "auth"

// Module serves Login and Register on the master and owns session creation.
type Module struct {
	authenticator Authenticator
	sessions      *session.Registry
	broker        *events.Broker

	onLogin []func(*session.Session)
}

// NewModule builds the auth module.
func NewModule(authenticator Authenticator, sessions *session.Registry) *Module {
	return &Module{authenticator: authenticator, sessions: sessions}
}

func (m *Module) Name() string {
	return ModuleName
}

func (m *Module) Dependencies() []string {
	return nil
}

// OnLogin registers a hook invoked after every successful session attach.
// Must be called before the registry initializes the module.
func (m *Module) OnLogin(fn func(*session.Session)) {
	m.onLogin = append(m.onLogin, fn)
}

// Sessions exposes the session registry to dependent modules.
func (m *Module) Sessions() *session.Registry {
	return m.sessions
}

func (m *Module) Init(ctx *registry.Context) error {
	m.broker = ctx.Broker
	if err := ctx.Router.Handle(protocol.OpLogin, m.handleLogin); err != nil {
		return err
	}
	return ctx.Router.Handle(protocol.OpRegister, m.handleRegister)
}

func (m *Module) handleLogin(p *channel.Peer, msg *protocol.Message) {
	var pkt protocol.CredentialsPacket
	if err := protocol.Unmarshal(msg.Payload, &pkt); err != nil {
		_ = p.RespondError(msg, err)
		return
	}

	identity, err := m.authenticator.Authenticate(Credentials{
		Username: pkt.Username,
		Password: pkt.Password,
		Guest:    pkt.Guest,
	})
	if err != nil {
		_ = p.RespondError(msg, err)
		return
	}

	sess, err := m.sessions.Attach(p, identity)
	if err != nil {
		_ = p.RespondError(msg, err)
		return
	}

	logger := log.WithComponent("auth")
	logger.Info().
		Str("session_id", sess.ID()).
		Str("username", identity.Username).
		Bool("guest", identity.Guest).
		Msg("Session attached")
	m.broker.Publish(&events.Event{
		Type:      events.EventSessionLogin,
		SessionID: sess.ID(),
		Message:   identity.Username,
	})
	sess.OnDestroy(func(s *session.Session) {
		m.broker.Publish(&events.Event{
			Type:      events.EventSessionLogout,
			SessionID: s.ID(),
			Message:   s.Username(),
		})
	})

	for _, fn := range m.onLogin {
		fn(sess)
	}

	_ = p.RespondOK(msg, &protocol.CredentialsPacket{
		Username: identity.Username,
		Guest:    identity.Guest,
	})
}

func (m *Module) handleRegister(p *channel.Peer, msg *protocol.Message) {
	var pkt protocol.CredentialsPacket
	if err := protocol.Unmarshal(msg.Payload, &pkt); err != nil {
		_ = p.RespondError(msg, err)
		return
	}
	if err := m.authenticator.CreateAccount(Credentials{
		Username: pkt.Username,
		Password: pkt.Password,
	}); err != nil {
		_ = p.RespondError(msg, err)
		return
	}
	logger := log.WithComponent("auth")
	logger.Info().Str("username", pkt.Username).Msg("Account created")
	_ = p.RespondOK(msg, nil)
}
