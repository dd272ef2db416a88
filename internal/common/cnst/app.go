package cnst

const (
	// AppName is the application name used in logs and metrics
	AppName = "deltasession"
	// CommandName is the name of the CLI binary
	CommandName = "deltasession"
)

const (
	// DeltaSessionYaml is the default configuration file name
	DeltaSessionYaml = "deltasession.yaml"
)

const (
	RedisClusterTypeSingle   = "single"
	RedisClusterTypeSentinel = "sentinel"
	RedisClusterTypeCluster  = "cluster"
)
