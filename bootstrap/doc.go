// Package bootstrap wires the sigmac components together from configuration.
// It keeps the initialization logic out of the CLI commands so it can be
// tested on its own.
//
// Usage:
//
//	logger, sugar, err := bootstrap.InitLogger("info", os.Stderr)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	cfg, err := bootstrap.InitConfig("", sugar)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	compiler, err := bootstrap.NewCompiler(cfg, sugar)
package bootstrap
