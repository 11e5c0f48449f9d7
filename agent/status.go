package main

import (
	"fmt"
	"net/http"
	"strings"

	"corci.pub/agent/internal/builder"
)

// OKStatusText is the body returned by the status handler when everything is running as expected.
const OKStatusText = "RUNNING"

// newStatusHandler reports the agent identity and its live builds.
func newStatusHandler(agent *builder.Agent) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := agent.Identity()
		bids := agent.Tasks().BIDs()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, err := fmt.Fprintf(w, "%s\naid: %s\nplatform: %s\nname: %s\nbuilds: %s\n",
			OKStatusText, id.AID, id.Platform, id.Name, strings.Join(bids, ","))
		if err != nil {
			panic(err)
		}
	})
}
