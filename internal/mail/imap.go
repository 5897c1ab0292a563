package mail

import (
	"context"
	"fmt"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"autofanfic/internal/config"
)

// IMAPFetcher connects per poll, collects unread message bodies, marks them
// seen and disconnects. A fresh connection per poll keeps the loop immune
// to idle-timeout disconnects between long sleeps.
type IMAPFetcher struct {
	cfg config.Email
}

func NewIMAPFetcher(cfg config.Email) *IMAPFetcher {
	return &IMAPFetcher{cfg: cfg}
}

func (f *IMAPFetcher) Fetch(ctx context.Context) ([]string, error) {
	addr := f.cfg.Server
	if !strings.Contains(addr, ":") {
		addr += ":993"
	}

	client, err := imapclient.DialTLS(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer client.Close()

	if err := client.Login(f.cfg.Email, f.cfg.Password).Wait(); err != nil {
		return nil, fmt.Errorf("login %s: %w", f.cfg.Email, err)
	}
	defer client.Logout()

	if _, err := client.Select(f.cfg.Mailbox, nil).Wait(); err != nil {
		return nil, fmt.Errorf("select %s: %w", f.cfg.Mailbox, err)
	}

	criteria := &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}}
	searchData, err := client.Search(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search unseen: %w", err)
	}
	nums := searchData.AllSeqNums()
	if len(nums) == 0 {
		return nil, nil
	}

	seqSet := imap.SeqSetNum(nums...)
	bodySection := &imap.FetchItemBodySection{}
	msgs, err := client.Fetch(seqSet, &imap.FetchOptions{
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch %d messages: %w", len(nums), err)
	}

	texts := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		if body := msg.FindBodySection(bodySection); body != nil {
			texts = append(texts, string(body))
		}
	}

	storeFlags := &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}
	if err := client.Store(seqSet, storeFlags, nil).Close(); err != nil {
		return texts, fmt.Errorf("mark seen: %w", err)
	}
	return texts, nil
}
