// Package instagram provides the Instagram direct-message connector.
// Instagram messaging rides the same Graph Send API and webhook envelope as
// Messenger, so this package binds the shared engine to the instagram
// webhook object and channel type.
package instagram

import (
	"github.com/camino-travel/switchboard/internal/channels/messenger"
)

// Config is the shared Graph connector configuration.
type Config = messenger.Config

// New creates an Instagram DM connector.
func New(cfg Config) (*messenger.Connector, error) {
	return messenger.NewInstagram(cfg)
}
