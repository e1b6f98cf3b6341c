// Command modelgate runs the multi-protocol LLM gateway.
//
// Usage:
//
//	modelgate serve                       # start the gateway
//	modelgate serve --config config.yaml  # with a config file
//	modelgate migrate up                  # apply database migrations
//	modelgate migrate status              # show migration status
//	modelgate health                      # probe a running instance
//	modelgate version                     # print build info
package main
