package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	s.mcp.AddPrompt(mcp.NewPrompt("load_trip_month",
		mcp.WithPromptDescription("Load one month of NYC taxi trip data into the configured database"),
		mcp.WithArgument("color",
			mcp.ArgumentDescription("Taxi color: yellow or green"),
			mcp.RequiredArgument(),
		),
		mcp.WithArgument("year",
			mcp.ArgumentDescription("Four digit year, e.g. 2021"),
			mcp.RequiredArgument(),
		),
		mcp.WithArgument("month",
			mcp.ArgumentDescription("Month number, 1-12"),
			mcp.RequiredArgument(),
		),
	), s.handleLoadTripMonthPrompt)
}

func (s *Server) handleLoadTripMonthPrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	color := req.Params.Arguments["color"]
	year := req.Params.Arguments["year"]
	month := req.Params.Arguments["month"]
	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("Load %s taxi trips for %s-%s", color, year, month),
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Load the %[1]s taxi trip data for month %[3]s of %[2]s.

Steps:
1. Use test_connection to confirm the database is reachable.
2. The source file is https://github.com/DataTalksClub/nyc-tlc-data/releases/download/%[1]s/%[1]s_tripdata_%[2]s-<MM>.csv.gz, with the month zero padded to two digits.
3. Use preview_source with schema "%[1]s_taxi" and a few rows to check the columns coerce cleanly.
4. Use run_ingestion with the same locator and schema, into table "%[1]s_taxi_data_%[2]s_<MM>".
5. Use describe_target on that table and report the row count.

run_ingestion replaces the table, so confirm with the user first if it already holds data.`, color, year, month),
				},
			},
		},
	}, nil
}
