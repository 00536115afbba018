// Package proxy implements the forwarding engine: topic matching, echo
// suppression, broker sessions, and the connection manager that ties them
// together.
package proxy

import (
	"hash/fnv"
	"net"
	"strconv"
	"strings"
)

// BrokerConfig is an immutable snapshot of a downstream or upstream broker's
// configuration. It is passed by value when mutating sessions; mutation is
// always by whole-value replacement, never in place.
type BrokerConfig struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Address            string   `json:"address"`
	Port               int      `json:"port"`
	ClientIDPrefix     string   `json:"client_id_prefix"`
	Username           string   `json:"username"`
	Password           string   `json:"password,omitempty"`
	Enabled            bool     `json:"enabled"`
	UseTLS             bool     `json:"use_tls"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify"`
	CACertPath         string   `json:"ca_cert_path"`
	Bidirectional      bool     `json:"bidirectional"`
	Topics             []string `json:"topics,omitempty"`
	SubscriptionTopics []string `json:"subscription_topics,omitempty"`
}

// Endpoint returns the "host:port" pair for the broker.
func (c BrokerConfig) Endpoint() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

// effectiveSubscriptionFilters derives the filter set a bidirectional
// session subscribes to on connect:
//   - SubscriptionTopics if non-empty;
//   - else Topics, with an implicit "/#" suffix appended to each element
//     that does not already end in "+" or "#";
//   - else ["#"].
func (c BrokerConfig) effectiveSubscriptionFilters() []string {
	if len(c.SubscriptionTopics) > 0 {
		out := make([]string, len(c.SubscriptionTopics))
		copy(out, c.SubscriptionTopics)
		return out
	}
	if len(c.Topics) == 0 {
		return []string{"#"}
	}
	out := make([]string, len(c.Topics))
	for i, t := range c.Topics {
		if strings.HasSuffix(t, "+") || strings.HasSuffix(t, "#") {
			out[i] = t
			continue
		}
		out[i] = t + "/#"
	}
	return out
}

// matchesAnyTopicFilter reports whether topic matches any of the
// publish-side filters in the config: an empty filter list selects every
// topic, otherwise a literal "#" or a matching filter selects it.
func (c BrokerConfig) matchesAnyTopicFilter(topic string) bool {
	if len(c.Topics) == 0 {
		return true
	}
	for _, f := range c.Topics {
		if f == "#" || matches(f, topic) {
			return true
		}
	}
	return false
}

// messageHash computes a 64-bit non-cryptographic hash of (topic, payload).
// Collisions are tolerated: worst case is a dropped genuine duplicate
// within the same ~500ms dedup window.
func messageHash(topic string, payload []byte) uint64 {
	h := fnv.New64a()
	h.Write([]byte(topic))
	h.Write([]byte{0})
	h.Write(payload)
	return h.Sum64()
}
