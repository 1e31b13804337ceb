package mailbox

import (
	"context"
	"strconv"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ledgerline/remitscan/internal/config"
)

// IMAPClient talks to a single selected mailbox over IMAP with TLS.
// imapclient.Client is safe for concurrent use, so the pipeline may
// fetch and flag messages from several goroutines at once.
type IMAPClient struct {
	conn    *imapclient.Client
	mailbox string
}

// Dial connects, authenticates and selects the configured mailbox.
func Dial(cfg config.MailConfig) (*IMAPClient, error) {
	conn, err := imapclient.DialTLS(cfg.Addr(), nil)
	if err != nil {
		return nil, eris.Wrapf(err, "mailbox: dial %s", cfg.Addr())
	}
	if err := conn.Login(cfg.Username, cfg.Password).Wait(); err != nil {
		_ = conn.Close()
		return nil, eris.Wrap(err, "mailbox: login")
	}
	if _, err := conn.Select(cfg.Mailbox, nil).Wait(); err != nil {
		_ = conn.Close()
		return nil, eris.Wrapf(err, "mailbox: select %s", cfg.Mailbox)
	}
	zap.L().Info("mailbox connected",
		zap.String("host", cfg.Host),
		zap.String("mailbox", cfg.Mailbox))
	return &IMAPClient{conn: conn, mailbox: cfg.Mailbox}, nil
}

func (c *IMAPClient) SearchUnseen(ctx context.Context) ([]string, error) {
	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}
	data, err := c.conn.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, eris.Wrap(err, "mailbox: search unseen")
	}
	uids := data.AllUIDs()
	ids := make([]string, len(uids))
	for i, uid := range uids {
		ids[i] = strconv.FormatUint(uint64(uid), 10)
	}
	return ids, nil
}

func (c *IMAPClient) FetchRaw(ctx context.Context, id string) ([]byte, error) {
	uid, err := parseUID(id)
	if err != nil {
		return nil, err
	}
	section := &imap.FetchItemBodySection{}
	msgs, err := c.conn.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, eris.Wrapf(err, "mailbox: fetch %s", id)
	}
	if len(msgs) == 0 {
		return nil, eris.Errorf("mailbox: message %s not found", id)
	}
	body := msgs[0].FindBodySection(section)
	if body == nil {
		return nil, eris.Errorf("mailbox: message %s has no body section", id)
	}
	return body, nil
}

func (c *IMAPClient) MarkSeen(ctx context.Context, id string) error {
	uid, err := parseUID(id)
	if err != nil {
		return err
	}
	cmd := c.conn.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)
	if err := cmd.Close(); err != nil {
		return eris.Wrapf(err, "mailbox: mark seen %s", id)
	}
	return nil
}

func (c *IMAPClient) Close() error {
	if err := c.conn.Logout().Wait(); err != nil {
		return c.conn.Close()
	}
	return nil
}

func parseUID(id string) (imap.UID, error) {
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return 0, eris.Wrapf(err, "mailbox: bad message id %q", id)
	}
	return imap.UID(n), nil
}
