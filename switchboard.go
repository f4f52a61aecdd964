// Package switchboard is a multi-provider LLM completion gateway. It accepts
// unified chat requests, admits them against per-user quotas and per-provider
// concurrency ceilings, dispatches them to configured providers with ordered
// fallback, and delivers a normalized event stream to the caller while
// accounting cost for every request exactly once.
//
// Basic usage:
//
//	gw, err := switchboard.New(
//		switchboard.WithQuotaLimits(admission.Limits{Window: time.Minute, MaxRequests: 60}),
//	)
//	if err != nil { ... }
//	defer gw.Close(context.Background())
//
//	err = gw.RegisterProvider(ctx, &adapter.Descriptor{
//		Name:    "openai-primary",
//		Type:    "openai",
//		BaseURL: "https://api.openai.com/v1",
//		APIKey:  "env://OPENAI_API_KEY",
//		Models:  []string{"gpt-4o"},
//	})
//
//	sub, err := gw.SubmitRequest(ctx, &types.ChatRequest{ ... })
//	for {
//		ev, err := sub.Recv()
//		if err == io.EOF { break }
//		...
//	}
package switchboard
