package feed

// SetMaxBody lowers the response size cap of c
func SetMaxBody(c *Client, n int64) {
	c.maxBody = n
}
