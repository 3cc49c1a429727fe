package config

import "embed"

const workflowSchemaFile = "schema/workflow.schema.json"

//go:embed schema/*.json
var configSchemaFS embed.FS
