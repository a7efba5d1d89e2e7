package whip

import "context"

// Answer is the ingest server's reply to a published offer.
type Answer struct {
	SDP string
	// Location is the absolute URL of the created WHIP resource, empty if
	// the server did not send one.
	Location string
}

type Client interface {
	Publish(ctx context.Context, endpoint, offerSDP string) (*Answer, error)
	Delete(ctx context.Context, resourceURL string) error
}
