package checkout

import "strings"

// Method is the payment method a shopper picked at checkout.
type Method string

const (
	MethodMTNMoMo     Method = "mtn_momo"
	MethodAirtelMoney Method = "airtel_money"
	MethodCard        Method = "card"
	MethodWallet      Method = "wallet"
	MethodCOD         Method = "cash_on_delivery"
)

// ParseMethod normalises user input; unknown values are returned as-is and
// fail Valid.
func ParseMethod(raw string) Method {
	m := Method(strings.ToLower(strings.TrimSpace(raw)))
	switch m {
	case "cod":
		return MethodCOD
	case "momo", "mtn":
		return MethodMTNMoMo
	case "airtel":
		return MethodAirtelMoney
	}
	return m
}

func (m Method) Valid() bool {
	switch m {
	case MethodMTNMoMo, MethodAirtelMoney, MethodCard, MethodWallet, MethodCOD:
		return true
	}
	return false
}

// IsMobileMoney reports whether the method charges a phone number and
// therefore needs one up front.
func (m Method) IsMobileMoney() bool {
	return m == MethodMTNMoMo || m == MethodAirtelMoney
}

// RequiresGateway is false only for cash on delivery, which creates the
// order immediately.
func (m Method) RequiresGateway() bool {
	return m.Valid() && m != MethodCOD
}
