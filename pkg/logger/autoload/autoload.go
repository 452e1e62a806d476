// Package autoload initializes the global logger from the environment on
// import.
package autoload

import (
	configx "github.com/clearhaul/clearhaul/pkg/config"
	logx "github.com/clearhaul/clearhaul/pkg/logger"
)

func init() {
	conf := configx.MustNew[logx.Config]("LOG")
	logx.Init(*conf)
}
