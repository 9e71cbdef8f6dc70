package cmd

import (
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/llm-stream-gateway/internal/codec"
)

var protocolsCmd = &cobra.Command{
	Use:   "protocols",
	Short: "List supported wire protocols",
	Long:  `List the wire protocols the gateway can decode from providers and encode to clients, with their endpoints.`,
	Run:   runProtocols,
}

var protocolEndpoints = map[string]string{
	codec.VendorOpenAI:          "POST /v1/chat/completions",
	codec.VendorOpenAIResponses: "POST /v1/responses",
	codec.VendorAnthropic:       "POST /v1/messages",
	codec.VendorGemini:          "POST /v1beta/models/{model}:streamGenerateContent?alt=sse",
}

func runProtocols(cmd *cobra.Command, _ []string) {
	vendors := codec.DefaultRegistry().Vendors()
	sort.Strings(vendors)

	color.Blue("Supported protocols:")

	for _, vendor := range vendors {
		endpoint := protocolEndpoints[vendor]
		if endpoint == "" {
			endpoint = "(no client endpoint)"
		}

		fmt.Printf("  %-18s %s\n", vendor, endpoint)
	}
}
