package logfield

const (
	Catalog            = "catalog"
	Schema             = "schema"
	Table              = "table"
	Selector           = "selector"
	Check              = "check"
	RunID              = "runID"
	JobID              = "jobID"
	JobName            = "jobName"
	ClusterID          = "clusterID"
	ClusterName        = "clusterName"
	Query              = "query"
	QueryExecutionTime = "queryExecutionTime"
	Failures           = "failures"
	Error              = "error"
)
