package kernel

import "time"

func (st *Stats) Admitted(lat time.Duration) {
	st.admitted(lat)
}
