package firepoints

const schemaDDL = `CREATE TABLE IF NOT EXISTS %s (
	id         BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	latitude   DOUBLE PRECISION NOT NULL,
	longitude  DOUBLE PRECISION NOT NULL,
	bright_ti4 DOUBLE PRECISION,
	scan       DOUBLE PRECISION,
	track      DOUBLE PRECISION,
	acq_date   TEXT,
	acq_time   TEXT,
	satellite  TEXT,
	confidence TEXT,
	version    TEXT,
	bright_ti5 DOUBLE PRECISION,
	frp        DOUBLE PRECISION,
	daynight   TEXT,
	ndvi       DOUBLE PRECISION
)`
