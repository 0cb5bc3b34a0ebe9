package testutils

// Invoice250000Sat is a bolt11 test vector from the payment encoding
// specification: 250000000 msat (250000 sat) to a known node, with the
// description "1 cup coffee".
const (
	Invoice250000Sat = "lnbc2500u1pvjluezpp5qqqsyqcyq5rqwzqfqqqsyqcyq5rqwzqfqqqsyqcyq5rqwzqfqypqdq5xysxxatsyp3k7enxv4jsxqzpuaztrnwngzn3kdzw5hydlzf03qdgm2hdq27cqv3agm2awhz5se903vruatfhq77w3ls4evs3ch9zw97j25emudupq63nyw24cg27h2rspfj9srp"

	Invoice250000SatAmount uint64 = 250000
)
