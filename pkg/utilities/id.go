package utilities

import (
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/segmentio/ksuid"
)

// NewKSUID generates a new globally unique KSUID string.
func NewKSUID() string {
	return ksuid.New().String()
}

// SnowflakeNodeFromEnv builds a snowflake node from SNOWFLAKE_NODE,
// defaulting to node 1 when the variable is missing or malformed.
func SnowflakeNodeFromEnv() (*snowflake.Node, error) {
	nodeID := int64(1)
	if v := os.Getenv("SNOWFLAKE_NODE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			nodeID = n
		}
	}
	return snowflake.NewNode(nodeID)
}
