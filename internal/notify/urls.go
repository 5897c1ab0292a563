package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/containrrr/shoutrrr"
	"github.com/containrrr/shoutrrr/pkg/router"
	"github.com/containrrr/shoutrrr/pkg/types"
)

// URLNotifier delivers through shoutrrr service URLs (discord://, gotify://,
// telegram://, ...), the apprise-style catch-all for everything that is not
// Pushbullet.
type URLNotifier struct {
	sender *router.ServiceRouter
}

func NewURLNotifier(urls []string) (*URLNotifier, error) {
	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, fmt.Errorf("notification urls: %w", err)
	}
	return &URLNotifier{sender: sender}, nil
}

func (u *URLNotifier) Name() string { return "urls" }

func (u *URLNotifier) Send(ctx context.Context, title, body, site string) error {
	params := types.Params{"title": title}
	errs := u.sender.Send(body, &params)
	var joined []error
	for _, err := range errs {
		if err != nil {
			joined = append(joined, err)
		}
	}
	return errors.Join(joined...)
}
