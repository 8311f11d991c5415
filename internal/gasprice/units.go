package gasprice

import (
	"math/big"

	"github.com/ethereum/go-ethereum/params"
)

func WeiToGwei(wei *big.Int) *big.Float {
	return new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(params.GWei))
}

// GweiToWei truncates any fractional wei.
func GweiToWei(gwei float64) *big.Int {
	weiFloat := new(big.Float).Mul(big.NewFloat(gwei), big.NewFloat(params.GWei))
	wei, _ := weiFloat.Int(nil)
	return wei
}

// GweiToWeiCeil rounds fractional wei up, so 1.0000000001 gwei becomes 1000000001 wei.
func GweiToWeiCeil(gwei float64) *big.Int {
	weiFloat := new(big.Float).Mul(big.NewFloat(gwei), big.NewFloat(params.GWei))
	wei, accuracy := weiFloat.Int(nil)
	if accuracy == big.Below {
		wei.Add(wei, big.NewInt(1))
	}
	return wei
}
