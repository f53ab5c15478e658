package migrations

import _ "embed"

// Migration represents a single SQL migration to apply in order.
type Migration struct {
	ID     string
	Script string
}

//go:embed 0001_catalog.sql
var catalog string

//go:embed 0002_feedback.sql
var feedback string

//go:embed 0003_cycles.sql
var cycles string

// All lists migrations in application order.
var All = []Migration{
	{ID: "0001_catalog", Script: catalog},
	{ID: "0002_feedback", Script: feedback},
	{ID: "0003_cycles", Script: cycles},
}
