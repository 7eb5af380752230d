package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// RemoteContact is one entry of the remote contact list.
type RemoteContact struct {
	ID           string
	Name         string
	PushName     string
	BusinessName string
	IsUser       bool
	IsGroup      bool
	IsBlocked    bool
	IsSaved      bool
}

// Attachment is a decoded media payload ready for upload.
type Attachment struct {
	Data     []byte
	MimeType string
	FileName string
}

// OutboundMessage is the payload of one queued send.
type OutboundMessage struct {
	Text       string
	Attachment *Attachment
}

// SendReceipt is the remote acknowledgement of an accepted send.
type SendReceipt struct {
	ID string
}

// Connection is the transport capability owned by a session. The supervisor
// is the only component allowed to drive its lifecycle; the send queue and
// the contact synchronizer only issue remote calls through it.
type Connection interface {
	Connect(ctx context.Context) error
	Logout(ctx context.Context) error
	Destroy()
	GetConnectionState(ctx context.Context) (string, error)
	GetContacts(ctx context.Context) ([]RemoteContact, error)
	GetProfilePictureURL(ctx context.Context, id string) (string, error)
	GetAbout(ctx context.Context, id string) (string, error)
	SendMessage(ctx context.Context, recipient string, msg OutboundMessage) (SendReceipt, error)
	Events() <-chan LifecycleEvent
}

// ConnectionFactory builds a fresh connection for a tenant.
type ConnectionFactory func(tenantID string) (Connection, error)

// credentialWiper is implemented by connections whose stored credentials can
// be erased after an unrecoverable auth failure.
type credentialWiper interface {
	WipeCredentials(ctx context.Context) error
}

// WhatsmeowConnection adapts a whatsmeow client to the Connection
// capability, translating its event stream into the lifecycle tagged union.
type WhatsmeowConnection struct {
	tenantID  string
	client    *whatsmeow.Client
	events    chan LifecycleEvent
	closed    chan struct{}
	closeOnce sync.Once
}

// NewWhatsmeowConnection creates a client on a fresh device from the shared
// credential container. The device row persists across restarts inside the
// container's database.
func NewWhatsmeowConnection(container *sqlstore.Container, tenantID string, logger waLog.Logger) *WhatsmeowConnection {
	device := container.NewDevice()
	c := &WhatsmeowConnection{
		tenantID: tenantID,
		client:   whatsmeow.NewClient(device, logger),
		events:   make(chan LifecycleEvent, 64),
		closed:   make(chan struct{}),
	}
	c.client.AddEventHandler(c.translate)
	return c
}

func (c *WhatsmeowConnection) emit(evt LifecycleEvent) {
	select {
	case <-c.closed:
	case c.events <- evt:
	default:
		// Never block the whatsmeow event loop on a slow consumer.
		log.Warn().Str("tenantID", c.tenantID).Str("event", evt.eventType()).Msg("Dropping lifecycle event, consumer too slow")
	}
}

func (c *WhatsmeowConnection) translate(raw interface{}) {
	switch evt := raw.(type) {
	case *events.PairSuccess:
		c.emit(EventAuthenticated{})
	case *events.Connected:
		c.emit(EventReady{Info: c.identity()})
	case *events.Disconnected:
		c.emit(EventDisconnected{Reason: ReasonRemoteClose})
	case *events.LoggedOut:
		c.emit(EventDisconnected{Reason: ReasonLogout})
	case *events.StreamReplaced:
		c.emit(EventDisconnected{Reason: ReasonStreamReplaced})
	case *events.KeepAliveTimeout:
		c.emit(EventError{Err: &ConnectionLostError{Reason: string(ReasonKeepAlive)}})
	case *events.TemporaryBan:
		c.emit(EventAuthFailure{Message: fmt.Sprintf("temporarily banned (code %d, expires in %s)", int(evt.Code), evt.Expire)})
	case *events.ConnectFailure:
		c.emit(EventAuthFailure{Message: fmt.Sprintf("connect failure: %v", evt.Reason)})
	case *events.ClientOutdated:
		c.emit(EventAuthFailure{Message: "client outdated"})
	case *events.Message:
		c.emit(EventMessage{From: evt.Info.Sender.String(), MessageID: string(evt.Info.ID)})
	case *events.Receipt:
		level := 1
		switch evt.Type {
		case types.ReceiptTypeDelivered:
			level = 2
		case types.ReceiptTypeRead:
			level = 3
		}
		for _, id := range evt.MessageIDs {
			c.emit(EventMessageAck{MessageID: string(id), Level: level})
		}
	case *events.StreamError:
		c.emit(EventError{Err: fmt.Errorf("stream error: %s", evt.Code)})
	}
}

func (c *WhatsmeowConnection) identity() SessionIdentity {
	info := SessionIdentity{Platform: "whatsapp"}
	if c.client.Store != nil {
		info.Name = c.client.Store.PushName
		if c.client.Store.ID != nil {
			info.Phone = c.client.Store.ID.User
		}
	}
	return info
}

// Connect opens the websocket. When the device is not yet paired, the QR
// channel is drained in the background and each code is republished as an
// EventQR so the supervisor can expose it to the tenant.
func (c *WhatsmeowConnection) Connect(ctx context.Context) error {
	if c.client.Store.ID == nil {
		qrChan, err := c.client.GetQRChannel(context.Background())
		if err == nil {
			go func() {
				for item := range qrChan {
					if item.Event == "code" && item.Code != "" {
						c.emit(EventQR{Code: item.Code})
					}
				}
			}()
		} else if err != whatsmeow.ErrQRStoreContainsID {
			log.Debug().Err(err).Str("tenantID", c.tenantID).Msg("QR channel unavailable")
		}
	}
	return c.client.Connect()
}

func (c *WhatsmeowConnection) Logout(ctx context.Context) error {
	return c.client.Logout(ctx)
}

// Destroy disconnects and stops event delivery. Safe to call more than once.
func (c *WhatsmeowConnection) Destroy() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.client.RemoveEventHandlers()
		c.client.Disconnect()
	})
}

func (c *WhatsmeowConnection) GetConnectionState(ctx context.Context) (string, error) {
	if c.client.IsConnected() && c.client.IsLoggedIn() {
		return ConnectionStateConnected, nil
	}
	return ConnectionStateDisconnected, nil
}

func (c *WhatsmeowConnection) GetContacts(ctx context.Context) ([]RemoteContact, error) {
	all, err := c.client.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("get contacts: %w", err)
	}
	out := make([]RemoteContact, 0, len(all))
	for jid, info := range all {
		name := info.FullName
		if name == "" {
			name = info.FirstName
		}
		if name == "" {
			name = info.PushName
		}
		out = append(out, RemoteContact{
			ID:           jid.String(),
			Name:         name,
			PushName:     info.PushName,
			BusinessName: info.BusinessName,
			IsUser:       jid.Server == types.DefaultUserServer,
			IsGroup:      jid.Server == types.GroupServer,
			IsSaved:      info.Found && info.FullName != "",
		})
	}
	return out, nil
}

func (c *WhatsmeowConnection) GetProfilePictureURL(ctx context.Context, id string) (string, error) {
	jid, err := types.ParseJID(id)
	if err != nil {
		return "", fmt.Errorf("parse JID: %w", err)
	}
	pic, err := c.client.GetProfilePictureInfo(jid, &whatsmeow.GetProfilePictureParams{Preview: true})
	if err != nil {
		return "", err
	}
	if pic == nil {
		return "", nil
	}
	return pic.URL, nil
}

func (c *WhatsmeowConnection) GetAbout(ctx context.Context, id string) (string, error) {
	jid, err := types.ParseJID(id)
	if err != nil {
		return "", fmt.Errorf("parse JID: %w", err)
	}
	resp, err := c.client.GetUserInfo([]types.JID{jid})
	if err != nil {
		return "", err
	}
	if info, ok := resp[jid]; ok {
		return info.Status, nil
	}
	return "", nil
}

func (c *WhatsmeowConnection) SendMessage(ctx context.Context, recipient string, msg OutboundMessage) (SendReceipt, error) {
	jid, err := types.ParseJID(recipient)
	if err != nil {
		return SendReceipt{}, fmt.Errorf("parse JID: %w", err)
	}

	var message *waE2E.Message
	if msg.Attachment != nil {
		message, err = c.buildMediaMessage(ctx, msg)
		if err != nil {
			return SendReceipt{}, err
		}
	} else {
		message = &waE2E.Message{Conversation: proto.String(msg.Text)}
	}

	resp, err := c.client.SendMessage(ctx, jid, message)
	if err != nil {
		return SendReceipt{}, err
	}
	return SendReceipt{ID: string(resp.ID)}, nil
}

func (c *WhatsmeowConnection) buildMediaMessage(ctx context.Context, msg OutboundMessage) (*waE2E.Message, error) {
	att := msg.Attachment
	if strings.HasPrefix(att.MimeType, "image/") {
		up, err := c.client.Upload(ctx, att.Data, whatsmeow.MediaImage)
		if err != nil {
			return nil, fmt.Errorf("upload image: %w", err)
		}
		img := &waE2E.ImageMessage{
			Caption:       proto.String(msg.Text),
			Mimetype:      proto.String(att.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(uint64(len(att.Data))),
		}
		if thumb, err := makeJPEGThumbnail(att.Data); err == nil {
			img.JPEGThumbnail = thumb
		}
		return &waE2E.Message{ImageMessage: img}, nil
	}

	up, err := c.client.Upload(ctx, att.Data, whatsmeow.MediaDocument)
	if err != nil {
		return nil, fmt.Errorf("upload document: %w", err)
	}
	doc := &waE2E.DocumentMessage{
		Caption:       proto.String(msg.Text),
		FileName:      proto.String(att.FileName),
		Mimetype:      proto.String(att.MimeType),
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(uint64(len(att.Data))),
	}
	return &waE2E.Message{DocumentMessage: doc}, nil
}

// WipeCredentials erases the stored device credentials for this tenant.
func (c *WhatsmeowConnection) WipeCredentials(ctx context.Context) error {
	return c.client.Store.Delete(ctx)
}

func (c *WhatsmeowConnection) Events() <-chan LifecycleEvent {
	return c.events
}
