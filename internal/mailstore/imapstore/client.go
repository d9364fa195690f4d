// Package imapstore adapts a generic IMAP mailbox into the Pipeline's
// MailStore interface for accounts authenticated with an app-password
// rather than OAuth. Grounded on github.com/emersion/go-imap's client
// idiom, enriched beyond the reference backend (which only ever speaks
// Gmail's own API) per the retrieved pack's other examples that reach for
// emersion/go-imap for non-Gmail mailboxes.
package imapstore

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"context"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/catemails/engine/internal/catserrors"
	"github.com/catemails/engine/internal/models"
)

// ServerConfig addresses the IMAP server this Factory connects accounts to.
type ServerConfig struct {
	Addr string // host:port
	TLS  bool
}

// Factory builds Clients bound to a single IMAP server, suitable for
// passing as the pipeline's mailStoreFor callback when an account's
// Credential is an IMAP app-password.
type Factory struct {
	cfg ServerConfig
}

// NewFactory returns a Factory dialing cfg.Addr for every constructed
// Client.
func NewFactory(cfg ServerConfig) *Factory {
	return &Factory{cfg: cfg}
}

// New returns an unconnected Client; Connect must be called before use.
func (f *Factory) New() *Client {
	return &Client{cfg: f.cfg}
}

// Client is a per-invocation IMAP MailStore session.
type Client struct {
	cfg  ServerConfig
	conn *client.Client

	mu       sync.Mutex
	selected bool
}

// Connect dials the IMAP server and authenticates with cred's app
// password.
func (c *Client) Connect(ctx context.Context, cred models.Credential) error {
	if cred.Kind != models.CredentialIMAPPassword {
		return fmt.Errorf("%w: imapstore requires an IMAP app-password credential", catserrors.ErrAuth)
	}

	var conn *client.Client
	var err error
	if c.cfg.TLS {
		conn, err = client.DialTLS(c.cfg.Addr, nil)
	} else {
		conn, err = client.Dial(c.cfg.Addr)
	}
	if err != nil {
		return fmt.Errorf("%w: dial %s: %s", catserrors.ErrNetwork, c.cfg.Addr, err.Error())
	}

	if err := conn.Login(cred.IMAPUsername, cred.IMAPAppPassword); err != nil {
		conn.Logout()
		return fmt.Errorf("%w: login: %s", catserrors.ErrAuth, err.Error())
	}

	if _, err := conn.Select("INBOX", false); err != nil {
		conn.Logout()
		return fmt.Errorf("%w: select inbox: %s", catserrors.ErrNetwork, err.Error())
	}

	c.conn = conn
	c.selected = true
	return nil
}

// FetchSince lists message envelopes whose internal date falls on or after
// since's calendar date. IMAP SEARCH SINCE compares whole days, so messages
// from earlier on that day are included too.
func (c *Client) FetchSince(ctx context.Context, since time.Time) ([]models.Envelope, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Since = since

	ids, err := c.conn.Search(criteria)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %s", catserrors.ErrNetwork, err.Error())
	}
	if len(ids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	messages := make(chan *imap.Message, len(ids))
	fetchErr := make(chan error, 1)
	go func() {
		fetchErr <- c.conn.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, imap.FetchInternalDate, imap.FetchUid}, messages)
	}()

	var envelopes []models.Envelope
	for msg := range messages {
		env := models.Envelope{
			MessageID: fmt.Sprintf("%d", msg.Uid),
			Date:      msg.InternalDate,
		}
		if msg.Envelope != nil {
			env.Subject = msg.Envelope.Subject
			if len(msg.Envelope.From) > 0 {
				env.From = msg.Envelope.From[0].Address()
			}
		}
		envelopes = append(envelopes, env)
	}
	if err := <-fetchErr; err != nil {
		return nil, fmt.Errorf("%w: fetch: %s", catserrors.ErrNetwork, err.Error())
	}
	return envelopes, nil
}

// Label applies an IMAP keyword/flag equal to category. Many IMAP servers
// only support predefined flags; custom keywords are used here as the
// nearest IMAP analogue of a Gmail label.
func (c *Client) Label(ctx context.Context, msgID, category string) error {
	return c.storeFlag(msgID, "+FLAGS", imap.AddFlags, "$"+sanitizeKeyword(category))
}

// Delete marks msgID \Deleted and expunges it.
func (c *Client) Delete(ctx context.Context, msgID string) error {
	if err := c.storeFlag(msgID, "+FLAGS", imap.AddFlags, imap.DeletedFlag); err != nil {
		return err
	}
	if err := c.conn.Expunge(nil); err != nil {
		return fmt.Errorf("%w: expunge: %s", catserrors.ErrNetwork, err.Error())
	}
	return nil
}

// Archive moves msgID to the Archive mailbox, creating it lazily.
func (c *Client) Archive(ctx context.Context, msgID string) error {
	uid, err := parseUID(msgID)
	if err != nil {
		return err
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	const archiveMailbox = "Archive"
	_ = c.conn.Create(archiveMailbox) // best effort; already-exists is not fatal

	if err := c.conn.UidCopy(seqset, archiveMailbox); err != nil {
		return fmt.Errorf("%w: copy to archive: %s", catserrors.ErrNetwork, err.Error())
	}
	// IMAP has no native move; copy-then-expunge-from-source is the
	// standard base-protocol emulation (RFC 3501 has no MOVE command).
	if err := c.storeFlag(msgID, "+FLAGS", imap.AddFlags, imap.DeletedFlag); err != nil {
		return err
	}
	if err := c.conn.Expunge(nil); err != nil {
		return fmt.Errorf("%w: expunge source after archive: %s", catserrors.ErrNetwork, err.Error())
	}
	return nil
}

// Close logs out of the IMAP session. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Logout()
	c.conn = nil
	return err
}

func (c *Client) storeFlag(msgID, op string, opKind imap.FlagsOp, flag string) error {
	uid, err := parseUID(msgID)
	if err != nil {
		return err
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	item := imap.FormatFlagsOp(opKind, true)
	storeItem := imap.StoreItem(item)
	if err := c.conn.UidStore(seqset, storeItem, []interface{}{flag}, nil); err != nil {
		return fmt.Errorf("%w: store flag: %s", catserrors.ErrNetwork, err.Error())
	}
	return nil
}

func parseUID(msgID string) (uint32, error) {
	var uid uint32
	if _, err := fmt.Sscanf(msgID, "%d", &uid); err != nil {
		return 0, fmt.Errorf("%w: invalid message id %q", catserrors.ErrStorage, msgID)
	}
	return uid, nil
}

func sanitizeKeyword(category string) string {
	replacer := strings.NewReplacer(" ", "-", "(", "", ")", "", "%", "", "*", "", `"`, "", "\\", "")
	return replacer.Replace(category)
}
