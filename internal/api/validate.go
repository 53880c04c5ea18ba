package api

import (
	"fmt"

	"hookrelay/internal/model"
	"hookrelay/internal/webhooks"
)

func validateEndpointRequest(req *model.EndpointRequest) error {
	if err := webhooks.ValidateURL(req.URL); err != nil {
		return err
	}
	if len(req.Events) == 0 {
		return fmt.Errorf("events must not be empty")
	}
	seen := map[string]struct{}{}
	for _, e := range req.Events {
		if _, ok := model.KnownEventTypes[e]; !ok {
			return fmt.Errorf("unknown event type: %s", e)
		}
		if _, dup := seen[e]; dup {
			return fmt.Errorf("duplicate event type: %s", e)
		}
		seen[e] = struct{}{}
	}
	return nil
}
