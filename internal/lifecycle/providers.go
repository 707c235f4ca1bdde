package lifecycle

import (
	"fmt"
	"time"

	"positionwatch/config"
	"positionwatch/internal/errs"
	"positionwatch/reader"
	"positionwatch/reader/binance"
)

// binanceProviders picks the listenKey provider and the position snapshot
// source by account type.
func binanceProviders(timeout time.Duration) Providers {
	return func(account config.AccountConfig) (reader.TokenProvider, reader.SnapshotSource, error) {
		switch account.Type {
		case config.AccountTypeFutures:
			client := binance.NewFuturesClient(account, timeout)
			return binance.NewFuturesListenKeys(client), binance.NewFuturesPositions(account.Name, client), nil
		case config.AccountTypeUnified:
			client := binance.NewPortfolioClient(account, timeout)
			return binance.NewPortfolioListenKeys(client), binance.NewPortfolioPositions(account.Name, client), nil
		default:
			return nil, nil, errs.FatalConfiguration("providers", fmt.Errorf("unsupported account type %q", account.Type))
		}
	}
}
