package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"spendguard/internal/app"
)

var (
	simulatePeer         string
	simulateAmount       int64
	simulateSubscription bool
	simulateDescription  string
	simulateFail         bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-request",
	Short: "模拟一次收款请求，走完整决策与支付流程（不修改真实账本）",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulatePeer == "" {
			return errors.New("--peer 必须配置")
		}

		_, err := getApp().SimulateRequest(cmd.Context(), app.SimulateOptions{
			PeerID:       simulatePeer,
			AmountSats:   simulateAmount,
			Subscription: simulateSubscription,
			Description:  simulateDescription,
			FailPayment:  simulateFail,
		})
		return err
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulatePeer, "peer", "", "付款对象公钥")
	simulateCmd.Flags().Int64Var(&simulateAmount, "amount", 0, "金额 (sats)")
	simulateCmd.Flags().BoolVar(&simulateSubscription, "subscription", false, "模拟订阅提案而非一次性请求")
	simulateCmd.Flags().StringVar(&simulateDescription, "description", "simulated request", "请求描述")
	simulateCmd.Flags().BoolVar(&simulateFail, "fail", false, "让模拟执行器返回失败")
}
