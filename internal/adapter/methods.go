package adapter

// Subscription method names.
const (
	MethodSubscribe   = "eth_subscribe"
	MethodUnsubscribe = "eth_unsubscribe"
)

// buildAllowList returns nil when no allow-list is configured, which leaves
// the network open to every method. ExtraMethods only extend a configured list.
func buildAllowList(allowed, extra []string) map[string]bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed)+len(extra))
	for _, m := range allowed {
		set[m] = true
	}
	for _, m := range extra {
		set[m] = true
	}
	return set
}
