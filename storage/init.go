package storage

func init() {
	RegisterAdapter(isNilConn, newMemoryAdapter)
	RegisterAdapter(isSQLDB, newSQLAdapter)
	RegisterAdapter(isRedisClient, newRedisAdapter)
	RegisterAdapter(isMongoDB, newMongoAdapter)
}

func isNilConn(conn any) bool { return conn == nil }
